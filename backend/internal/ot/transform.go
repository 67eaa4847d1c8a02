package ot

import "math"

// Transform 把基于旧版本编写的 op 改写为可直接作用于当前文档的操作。
// history 必须是 op.BaseVersion 之后按提交顺序排列的全部操作。
//
// 服务器是唯一的定序者，所以只需沿历史单向走一遍：
//   - 已提交 insert 位于 p <= index：index 右移插入长度。位置相同时已提交的插入在前。
//   - 已提交 delete 删除 [p, p+len) 且 p < index：index 左移 min(len, index-p)。
//   - replace 视为先 delete 再 insert。
//
// 返回值的 BaseVersion 保持不变，由调用方在提交时重新标记。
func Transform(op Operation, history []Entry) Operation {
	index := op.Index
	for _, e := range history {
		other := e.Op
		switch other.Kind {
		case KindInsert:
			index = shiftForInsert(index, other)
		case KindDelete:
			index = shiftForDelete(index, other)
		case KindReplace:
			index = shiftForDelete(index, other)
			index = shiftForInsert(index, other)
		}
	}
	out := op
	out.Index = index
	return out
}

func shiftForInsert(index int, other Operation) int {
	if other.Index <= index {
		n := textLen(other.Text)
		if index > math.MaxInt-n {
			return math.MaxInt
		}
		return index + n
	}
	return index
}

func shiftForDelete(index int, other Operation) int {
	if other.Index < index {
		return index - min(other.Length, index-other.Index)
	}
	return index
}

// Apply 把 op 作用到 content 上并返回新内容。越界的 index/length 会被夹到文档范围内；
// 未知类型原样返回 content。
func Apply(content string, op Operation) string {
	switch op.Kind {
	case KindInsert, KindDelete, KindReplace:
	default:
		return content
	}
	pt := NewPieceTable(content)
	pt.Apply(op.Normalize().Delta(pt.Len()))
	return pt.String()
}
