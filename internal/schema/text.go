package schema

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"collabtext/internal/step"
)

// Step kinds understood by Text.
const (
	KindInsert = "insert"
	KindDelete = "delete"
)

// Node is a document tree node in the usual {type, text, content} JSON shape.
type Node struct {
	Type    string `json:"type"`
	Text    string `json:"text,omitempty"`
	Content []Node `json:"content,omitempty"`
}

type insertData struct {
	Pos  int    `json:"pos"`
	Text string `json:"text"`
}

type deleteData struct {
	Pos int `json:"pos"`
	Len int `json:"len"`
}

// Text is a doc > paragraph > text schema. Steps address rune offsets into the
// document text with paragraphs joined by '\n'; inserting a '\n' splits a
// paragraph and deleting one joins two.
type Text struct{}

var _ Schema = Text{}

// Insert returns an insert payload.
func Insert(pos int, text string) step.Payload {
	return mustPayload(KindInsert, insertData{Pos: pos, Text: text})
}

// Delete returns a payload deleting n runes starting at pos.
func Delete(pos, n int) step.Payload {
	return mustPayload(KindDelete, deleteData{Pos: pos, Len: n})
}

// Doc builds a document from plain text.
func Doc(text string) json.RawMessage {
	buf, err := json.Marshal(fromString(text))
	if err != nil {
		panic(err)
	}
	return buf
}

// PlainText flattens a document back to its text.
func PlainText(doc json.RawMessage) (string, error) {
	return decodeDoc(doc)
}

func (Text) Empty() json.RawMessage {
	return Doc("")
}

func (Text) Validate(doc json.RawMessage) error {
	_, err := decodeDoc(doc)
	return err
}

func (Text) Apply(doc json.RawMessage, p step.Payload) (json.RawMessage, error) {
	s, err := decodeDoc(doc)
	if err != nil {
		return nil, err
	}
	o, err := decodeOp(p)
	if err != nil {
		return nil, err
	}
	out, err := o.apply([]rune(s))
	if err != nil {
		return nil, err
	}
	return Doc(string(out)), nil
}

func (Text) Transform(a, b step.Payload) (step.Payload, step.Payload, error) {
	ao, err := decodeOp(a)
	if err != nil {
		return step.Payload{}, step.Payload{}, err
	}
	bo, err := decodeOp(b)
	if err != nil {
		return step.Payload{}, step.Payload{}, err
	}
	ap, bp := transform(ao, bo)
	return ap.payload(), bp.payload(), nil
}

func fromString(s string) Node {
	paras := strings.Split(s, "\n")
	doc := Node{Type: "doc", Content: make([]Node, len(paras))}
	for i, p := range paras {
		doc.Content[i] = Node{Type: "paragraph"}
		if p != "" {
			doc.Content[i].Content = []Node{{Type: "text", Text: p}}
		}
	}
	return doc
}

func decodeDoc(doc json.RawMessage) (string, error) {
	var n Node
	if err := json.Unmarshal(doc, &n); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if n.Type != "doc" || len(n.Content) == 0 {
		return "", fmt.Errorf("%w: root must be a non-empty doc", ErrInvalidDocument)
	}
	paras := make([]string, len(n.Content))
	for i, p := range n.Content {
		if p.Type != "paragraph" {
			return "", fmt.Errorf("%w: unexpected node %q in doc", ErrInvalidDocument, p.Type)
		}
		var sb strings.Builder
		for _, t := range p.Content {
			if t.Type != "text" || t.Text == "" || strings.Contains(t.Text, "\n") {
				return "", fmt.Errorf("%w: malformed text node in paragraph %d", ErrInvalidDocument, i)
			}
			sb.WriteString(t.Text)
		}
		paras[i] = sb.String()
	}
	return strings.Join(paras, "\n"), nil
}

type op interface {
	apply(s []rune) ([]rune, error)
	payload() step.Payload
}

type insertOp struct {
	pos  int
	text string
}

type deleteOp struct {
	pos int
	len int
}

func (o insertOp) apply(s []rune) ([]rune, error) {
	if o.pos < 0 || o.pos > len(s) {
		return nil, fmt.Errorf("%w: insert at %d out of bounds", ErrInvalidStep, o.pos)
	}
	out := make([]rune, 0, len(s)+len(o.text))
	out = append(out, s[:o.pos]...)
	out = append(out, []rune(o.text)...)
	return append(out, s[o.pos:]...), nil
}

func (o insertOp) payload() step.Payload { return Insert(o.pos, o.text) }

func (o insertOp) size() int { return utf8.RuneCountInString(o.text) }

func (o deleteOp) apply(s []rune) ([]rune, error) {
	if o.pos < 0 || o.len < 0 || o.pos+o.len > len(s) {
		return nil, fmt.Errorf("%w: delete [%d,%d) out of bounds", ErrInvalidStep, o.pos, o.pos+o.len)
	}
	out := make([]rune, 0, len(s)-o.len)
	out = append(out, s[:o.pos]...)
	return append(out, s[o.pos+o.len:]...), nil
}

func (o deleteOp) payload() step.Payload { return Delete(o.pos, o.len) }

func decodeOp(p step.Payload) (op, error) {
	switch p.Kind {
	case KindInsert:
		var d insertData
		if err := json.Unmarshal(p.Data, &d); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidStep, err)
		}
		return insertOp{d.Pos, d.Text}, nil
	case KindDelete:
		var d deleteData
		if err := json.Unmarshal(p.Data, &d); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidStep, err)
		}
		return deleteOp{d.Pos, d.Len}, nil
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidStep, p.Kind)
	}
}

// transformInsertDelete handles the diamond whose top sides are an insert and
// a delete.
func transformInsertDelete(a insertOp, b deleteOp) (op, op) {
	switch {
	case a.pos <= b.pos:
		// Insert before delete. Delete shifts forward.
		return a, deleteOp{b.pos + a.size(), b.len}
	case a.pos >= b.pos+b.len:
		// Insert after delete. Insert shifts backward.
		return insertOp{a.pos - b.len, a.text}, b
	default:
		// Insert inside the delete range. Delete swallows the insert.
		return insertOp{b.pos, ""}, deleteOp{b.pos, b.len + a.size()}
	}
}

func transform(a, b op) (op, op) {
	switch ai := a.(type) {
	case insertOp:
		switch bi := b.(type) {
		case insertOp:
			// Equal positions: b wins, so a' shifts forward.
			if bi.pos <= ai.pos {
				return insertOp{ai.pos + bi.size(), ai.text}, b
			}
			return a, insertOp{bi.pos + ai.size(), bi.text}
		case deleteOp:
			return transformInsertDelete(ai, bi)
		}
	case deleteOp:
		switch bi := b.(type) {
		case insertOp:
			ins, del := transformInsertDelete(bi, ai)
			return del, ins
		case deleteOp:
			aEnd, bEnd := ai.pos+ai.len, bi.pos+bi.len
			if aEnd <= bi.pos {
				return a, deleteOp{bi.pos - ai.len, bi.len}
			} else if bEnd <= ai.pos {
				return deleteOp{ai.pos - bi.len, ai.len}, b
			}
			// Deletions overlap.
			pos := min(ai.pos, bi.pos)
			overlap := min(aEnd, bEnd) - max(ai.pos, bi.pos)
			return deleteOp{pos, ai.len - overlap}, deleteOp{pos, bi.len - overlap}
		}
	}
	panic(fmt.Sprintf("unhandled op pair %T, %T", a, b))
}

func mustPayload(kind string, v any) step.Payload {
	buf, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return step.Payload{Kind: kind, Data: buf}
}
