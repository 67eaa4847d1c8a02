package ot

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"collabOT/backend/internal/ot/delta"
)

type Kind string

const (
	KindInsert  Kind = "insert"
	KindDelete  Kind = "delete"
	KindReplace Kind = "replace"
)

var ErrInvalidOperation = errors.New("INVALID_OPERATION")

// Operation 是一次连续区间的文本修改。
// Index/Length 以字符（Unicode code point）计；BaseVersion 是作者编辑时看到的房间版本。
type Operation struct {
	Kind        Kind   `json:"type"`
	Index       int    `json:"index"`
	Length      int    `json:"length"`
	Text        string `json:"text"`
	BaseVersion uint64 `json:"baseVersion"`
}

// Entry 是历史中的一条已提交操作，Version 为该操作提交后产生的房间版本
type Entry struct {
	Op      Operation `json:"op"`
	Version uint64    `json:"version"`
}

func (op Operation) Validate() error {
	switch op.Kind {
	case KindInsert, KindDelete, KindReplace:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidOperation, op.Kind)
	}
	if op.Index < 0 {
		return fmt.Errorf("%w: negative index %d", ErrInvalidOperation, op.Index)
	}
	if op.Length < 0 {
		return fmt.Errorf("%w: negative length %d", ErrInvalidOperation, op.Length)
	}
	if !utf8.ValidString(op.Text) {
		return fmt.Errorf("%w: text is not valid utf-8", ErrInvalidOperation)
	}
	return nil
}

// Normalize 去掉与类型无关的字段：insert 不删除字符，delete 不插入文本
func (op Operation) Normalize() Operation {
	switch op.Kind {
	case KindInsert:
		op.Length = 0
	case KindDelete:
		op.Text = ""
	}
	return op
}

// Delta 把操作展开为 retain/delete/insert 序列，docLen 用于把越界的下标和长度夹回文档范围
func (op Operation) Delta(docLen int) delta.Delta {
	start := clamp(op.Index, 0, docLen)
	var d delta.Delta
	d = d.Retain(start)
	if op.Kind != KindInsert {
		d = d.Delete(clamp(op.Length, 0, docLen-start))
	}
	if op.Kind != KindDelete {
		d = d.Insert(op.Text)
	}
	return d
}

// ClampTo 把 index/length 夹到 content 的范围内，得到实际作用到文档上的操作
func (op Operation) ClampTo(content string) Operation {
	n := textLen(content)
	op.Index = clamp(op.Index, 0, n)
	if op.Kind != KindInsert {
		op.Length = clamp(op.Length, 0, n-op.Index)
	}
	return op
}

func textLen(s string) int { return utf8.RuneCountInString(s) }

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
