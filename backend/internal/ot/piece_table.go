package ot

import (
	"strings"

	"collabOT/backend/internal/ot/delta"
)

type bufferKind int

const (
	bufOriginal bufferKind = iota
	bufAdd
)

type piece struct {
	buf    bufferKind
	offset int
	length int
}

// PieceTable 以 rune 为单位保存文档：original 只读，新插入的文本全部追加到 add，
// pieces 按顺序描述当前文档由哪些片段拼成。
//
//	初始 "Hello world"，在 5 处插入 " there"：
//	[ (orig,0,5) (add,0,6) (orig,5,6) ]
type PieceTable struct {
	original []rune
	add      []rune
	pieces   []piece
}

func NewPieceTable(initial string) *PieceTable {
	r := []rune(initial)
	pt := &PieceTable{original: r}
	if len(r) > 0 {
		pt.pieces = []piece{{buf: bufOriginal, offset: 0, length: len(r)}}
	}
	return pt
}

func (pt *PieceTable) Len() int {
	n := 0
	for _, p := range pt.pieces {
		n += p.length
	}
	return n
}

func (pt *PieceTable) String() string {
	var b strings.Builder
	for _, p := range pt.pieces {
		switch p.buf {
		case bufOriginal:
			b.WriteString(string(pt.original[p.offset : p.offset+p.length]))
		case bufAdd:
			b.WriteString(string(pt.add[p.offset : p.offset+p.length]))
		}
	}
	return b.String()
}

// Apply 依次执行 delta 的分量。retain 超出文档末尾时后续插入落在末尾，
// delete 超出的部分被忽略。
func (pt *PieceTable) Apply(d delta.Delta) {
	pos := 0
	for _, op := range d {
		switch op.Kind {
		case delta.KindRetain:
			pos += op.Count
		case delta.KindInsert:
			pos += pt.insert(pos, []rune(op.Text))
		case delta.KindDelete:
			pt.delete(pos, op.Count)
		}
	}
}

func (pt *PieceTable) insert(pos int, text []rune) int {
	if len(text) == 0 {
		return 0
	}
	start := len(pt.add)
	pt.add = append(pt.add, text...)
	newPiece := piece{buf: bufAdd, offset: start, length: len(text)}

	idx, offset := pt.locate(pos)
	if idx >= len(pt.pieces) {
		pt.pieces = append(pt.pieces, newPiece)
		return len(text)
	}

	cur := pt.pieces[idx]
	left := piece{buf: cur.buf, offset: cur.offset, length: offset}
	right := piece{buf: cur.buf, offset: cur.offset + offset, length: cur.length - offset}

	newPieces := make([]piece, 0, len(pt.pieces)+2)
	newPieces = append(newPieces, pt.pieces[:idx]...)
	if left.length > 0 {
		newPieces = append(newPieces, left)
	}
	newPieces = append(newPieces, newPiece)
	if right.length > 0 {
		newPieces = append(newPieces, right)
	}
	newPieces = append(newPieces, pt.pieces[idx+1:]...)
	pt.pieces = newPieces
	return len(text)
}

func (pt *PieceTable) delete(pos, count int) {
	remain := count
	idx, offset := pt.locate(pos)

	for remain > 0 && idx < len(pt.pieces) {
		cur := pt.pieces[idx]
		can := cur.length - offset
		if can <= 0 {
			idx++
			offset = 0
			continue
		}
		take := min(remain, can)

		if offset == 0 && take == cur.length {
			// 整段删除，idx 不动（现在指向下一段）
			pt.pieces = append(pt.pieces[:idx], pt.pieces[idx+1:]...)
		} else {
			leftLen := offset
			rightLen := cur.length - offset - take

			newPieces := make([]piece, 0, len(pt.pieces)+1)
			newPieces = append(newPieces, pt.pieces[:idx]...)
			if leftLen > 0 {
				newPieces = append(newPieces, piece{buf: cur.buf, offset: cur.offset, length: leftLen})
			}
			if rightLen > 0 {
				newPieces = append(newPieces, piece{buf: cur.buf, offset: cur.offset + offset + take, length: rightLen})
			}
			newPieces = append(newPieces, pt.pieces[idx+1:]...)
			pt.pieces = newPieces
			if leftLen > 0 {
				idx++
			}
			offset = 0
		}
		remain -= take
	}
}

// 根据逻辑位置 pos，找到对应的 piece 下标 idx 和在该 piece 内的偏移 offset
func (pt *PieceTable) locate(pos int) (idx int, offset int) {
	if pos < 0 {
		pos = 0
	}
	cur := 0
	for i, p := range pt.pieces {
		if pos < cur+p.length {
			return i, pos - cur
		}
		cur += p.length
	}
	return len(pt.pieces), 0
}
