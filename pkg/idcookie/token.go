package idcookie

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jdziat/simple-study-runs/pkg/core"
)

// Token correlates one browser-side run with its server records.
type Token struct {
	WorkerID      uint64
	WorkerType    core.WorkerType
	BatchID       uint64
	GroupResultID *uint64
	StudyID       uint64
	StudyResultID uint64
	// The component fields are zero until the run starts its first component.
	ComponentID       uint64
	ComponentResultID uint64
	ComponentPosition int
	// CreationTime is in epoch milliseconds and only orders eviction.
	CreationTime int64
}

// HasComponent reports whether the token carries component fields.
func (t Token) HasComponent() bool {
	return t.ComponentResultID != 0
}

const (
	keyWorkerID          = "workerId"
	keyWorkerType        = "workerType"
	keyBatchID           = "batchId"
	keyGroupResultID     = "groupResultId"
	keyStudyID           = "studyId"
	keyStudyResultID     = "studyResultId"
	keyComponentID       = "componentId"
	keyComponentResultID = "componentResultId"
	keyComponentPosition = "componentPosition"
	keyCreationTime      = "creationTime"

	nullValue = "null"
)

// Encode renders t in wire format. Keys always appear in the same order.
func Encode(t Token) string {
	var b strings.Builder
	add := func(k, v string) {
		if b.Len() > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(v)
	}
	u := func(n uint64) string { return strconv.FormatUint(n, 10) }

	add(keyWorkerID, u(t.WorkerID))
	add(keyWorkerType, string(t.WorkerType))
	add(keyBatchID, u(t.BatchID))
	if t.GroupResultID != nil {
		add(keyGroupResultID, u(*t.GroupResultID))
	} else {
		add(keyGroupResultID, nullValue)
	}
	add(keyStudyID, u(t.StudyID))
	add(keyStudyResultID, u(t.StudyResultID))
	if t.HasComponent() {
		add(keyComponentID, u(t.ComponentID))
		add(keyComponentResultID, u(t.ComponentResultID))
		add(keyComponentPosition, strconv.Itoa(t.ComponentPosition))
	}
	add(keyCreationTime, strconv.FormatInt(t.CreationTime, 10))
	return b.String()
}

// Decode parses a token in wire format. Any failure wraps
// core.ErrMalformedToken.
func Decode(s string) (Token, error) {
	fields, err := split(s)
	if err != nil {
		return Token{}, core.MalformedToken(err)
	}
	var t Token
	p := parser{fields: fields}

	t.WorkerID = p.id(keyWorkerID)
	if raw := p.required(keyWorkerType); raw != "" {
		wt, err := core.ParseWorkerType(raw)
		if err != nil {
			p.fail(fmt.Errorf("%s: unknown type %q", keyWorkerType, raw))
		}
		t.WorkerType = wt
	}
	t.BatchID = p.id(keyBatchID)
	if raw := p.required(keyGroupResultID); raw != "" && raw != nullValue {
		id := p.parseID(keyGroupResultID, raw)
		t.GroupResultID = &id
	}
	t.StudyID = p.id(keyStudyID)
	t.StudyResultID = p.id(keyStudyResultID)

	_, hasComponent := fields[keyComponentID]
	_, hasComponentResult := fields[keyComponentResultID]
	_, hasPosition := fields[keyComponentPosition]
	if hasComponent || hasComponentResult || hasPosition {
		t.ComponentID = p.id(keyComponentID)
		t.ComponentResultID = p.id(keyComponentResultID)
		if raw := p.required(keyComponentPosition); raw != "" {
			pos, err := strconv.Atoi(raw)
			if err != nil || pos < 1 {
				p.fail(fmt.Errorf("%s: not a position: %q", keyComponentPosition, raw))
			}
			t.ComponentPosition = pos
		}
	}

	if raw := p.required(keyCreationTime); raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || ms < 0 {
			p.fail(fmt.Errorf("%s: not a timestamp: %q", keyCreationTime, raw))
		}
		t.CreationTime = ms
	}

	if p.err != nil {
		return Token{}, core.MalformedToken(p.err)
	}
	return t, nil
}

func split(s string) (map[string]string, error) {
	if s == "" {
		return nil, errors.New("empty token")
	}
	fields := make(map[string]string)
	for _, pair := range strings.Split(s, "&") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("bad pair %q", pair)
		}
		if _, dup := fields[k]; dup {
			return nil, fmt.Errorf("duplicate key %q", k)
		}
		fields[k] = v
	}
	return fields, nil
}

// parser keeps the first error so Decode reads as a flat list of fields.
type parser struct {
	fields map[string]string
	err    error
}

func (p *parser) fail(err error) {
	if p.err == nil {
		p.err = err
	}
}

func (p *parser) required(key string) string {
	v, ok := p.fields[key]
	if !ok || v == "" {
		p.fail(fmt.Errorf("missing %s", key))
		return ""
	}
	return v
}

func (p *parser) id(key string) uint64 {
	raw := p.required(key)
	if raw == "" {
		return 0
	}
	return p.parseID(key, raw)
}

func (p *parser) parseID(key, raw string) uint64 {
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || n == 0 {
		p.fail(fmt.Errorf("%s: not an id: %q", key, raw))
		return 0
	}
	return n
}
