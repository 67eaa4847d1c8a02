package delta

type Kind string

const (
	KindRetain Kind = "retain"
	KindInsert Kind = "insert"
	KindDelete Kind = "delete"
)

type Op struct {
	Kind  Kind   `json:"kind"`            // "retain" / "insert" / "delete"
	Count int    `json:"count,omitempty"` // retain/delete 的长度（字符数）
	Text  string `json:"text,omitempty"`  // insert 的文本
}

type Delta []Op

// "ops":[{"kind":"retain","count":5},{"kind":"insert","text":"Hello"}]

// Retain / Delete / Insert 追加一个分量，长度为 0 的分量直接跳过
func (d Delta) Retain(n int) Delta {
	if n <= 0 {
		return d
	}
	return append(d, Op{Kind: KindRetain, Count: n})
}

func (d Delta) Delete(n int) Delta {
	if n <= 0 {
		return d
	}
	return append(d, Op{Kind: KindDelete, Count: n})
}

func (d Delta) Insert(text string) Delta {
	if text == "" {
		return d
	}
	return append(d, Op{Kind: KindInsert, Text: text})
}
