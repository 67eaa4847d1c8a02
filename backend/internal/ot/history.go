package ot

import (
	"errors"
	"fmt"
)

const DefaultHistoryLimit = 100

var ErrVersionGap = errors.New("VERSION_GAP")

// History 是单个房间的定长环形历史，只保留最近 limit 条已提交操作。
// 不自带锁，调用方必须在房间锁内访问。
type History struct {
	buf   []Entry
	head  int // 最旧一条在 buf 中的位置
	count int
}

func NewHistory(limit int) *History {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &History{buf: make([]Entry, limit)}
}

func (h *History) Len() int { return h.count }

func (h *History) Cap() int { return len(h.buf) }

func (h *History) at(i int) Entry { return h.buf[(h.head+i)%len(h.buf)] }

// Oldest / Latest 返回保留窗口两端的版本号，空历史返回 0
func (h *History) Oldest() uint64 {
	if h.count == 0 {
		return 0
	}
	return h.at(0).Version
}

func (h *History) Latest() uint64 {
	if h.count == 0 {
		return 0
	}
	return h.at(h.count - 1).Version
}

// Record 追加一条已提交的记录，版本号必须紧接上一条；满了就覆盖最旧的一条
func (h *History) Record(e Entry) error {
	if h.count > 0 && e.Version != h.Latest()+1 {
		return fmt.Errorf("%w: got %d after %d", ErrVersionGap, e.Version, h.Latest())
	}
	if h.count < len(h.buf) {
		h.buf[(h.head+h.count)%len(h.buf)] = e
		h.count++
		return nil
	}
	h.buf[h.head] = e
	h.head = (h.head + 1) % len(h.buf)
	return nil
}

// Since 按版本升序返回所有 Version > version 的记录，即在 version 之后提交的操作
func (h *History) Since(version uint64) []Entry {
	var out []Entry
	for i := 0; i < h.count; i++ {
		if e := h.at(i); e.Version > version {
			out = append(out, e)
		}
	}
	return out
}

// Covers 判断窗口里是否还保留着从 version 追到 current 所需的全部记录
func (h *History) Covers(version, current uint64) bool {
	if version > current {
		return false
	}
	if version == current {
		return true
	}
	if h.count == 0 || h.Latest() != current {
		return false
	}
	return h.Oldest() <= version+1
}
