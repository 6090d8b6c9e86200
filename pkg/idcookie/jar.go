package idcookie

import (
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/jdziat/simple-study-runs/pkg/security"
)

// Config names the token slots.
type Config struct {
	// BaseName prefixes every token name. Defaults to "RUN_IDS".
	BaseName string
	// MaxTokens is the number of slots. Defaults to 10.
	MaxTokens int
}

// DefaultConfig returns the default slot configuration.
func DefaultConfig() Config {
	return Config{BaseName: "RUN_IDS", MaxTokens: 10}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if err := security.ValidateCookieBaseName(c.BaseName); err != nil {
		return err
	}
	if c.MaxTokens < 1 || c.MaxTokens > security.MaxRunTokens {
		return fmt.Errorf("max tokens must be within [1, %d], got %d", security.MaxRunTokens, c.MaxTokens)
	}
	return nil
}

// Name returns the token name of slot.
func (c Config) Name(slot int) string {
	return c.BaseName + "_" + strconv.Itoa(slot)
}

// slotOf parses a token name, reporting false for names outside the scheme.
func (c Config) slotOf(name string) (slot int, ours bool, ok bool) {
	rest, found := strings.CutPrefix(name, c.BaseName+"_")
	if !found {
		return 0, false, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 0 || n >= c.MaxTokens || strconv.Itoa(n) != rest {
		return 0, true, false
	}
	return n, true, true
}

// Cookie is a token name and its encoded value.
type Cookie struct {
	Name  string
	Value string
}

// Changes lists what a response must do to bring the client up to date.
type Changes struct {
	Set    []Cookie
	Expire []string
}

// Empty reports whether there is nothing to send.
func (c Changes) Empty() bool {
	return len(c.Set) == 0 && len(c.Expire) == 0
}

// Jar holds the tokens of one request. It is not safe for concurrent use.
type Jar struct {
	cfg   Config
	slots []*Token
	dirty map[int]struct{}
	// malformed token names, always expired
	malformed map[string]struct{}
}

// NewJar returns an empty jar.
func NewJar(cfg Config) *Jar {
	cfg.MaxTokens = security.ClampRunTokens(cfg.MaxTokens)
	return &Jar{
		cfg:       cfg,
		slots:     make([]*Token, cfg.MaxTokens),
		dirty:     make(map[int]struct{}),
		malformed: make(map[string]struct{}),
	}
}

// Extract builds a jar from request cookies. Cookies with other names are
// ignored. Malformed tokens are logged and marked for expiry; they never fail
// the request. When two slots name the same run, the newer token wins.
func Extract(cookies []*http.Cookie, cfg Config, logger *slog.Logger) *Jar {
	if logger == nil {
		logger = slog.Default()
	}
	jar := NewJar(cfg)
	for _, c := range cookies {
		slot, ours, ok := jar.cfg.slotOf(c.Name)
		if !ours {
			continue
		}
		if !ok {
			jar.discardMalformed(c.Name, fmt.Errorf("bad slot name"), logger)
			continue
		}
		tok, err := Decode(c.Value)
		if err != nil {
			jar.discardMalformed(c.Name, err, logger)
			continue
		}
		if jar.slots[slot] != nil {
			jar.discardMalformed(c.Name, fmt.Errorf("slot %d sent twice", slot), logger)
			continue
		}
		if other, found := jar.SlotOf(tok.StudyResultID); found {
			older := slot
			if jar.slots[other].CreationTime <= tok.CreationTime {
				older = other
				jar.slots[slot] = &tok
			}
			jar.Expire(older)
			logger.Warn("duplicate run token discarded", "study_result_id", tok.StudyResultID, "slot", older)
			continue
		}
		jar.slots[slot] = &tok
	}
	return jar
}

func (j *Jar) discardMalformed(name string, err error, logger *slog.Logger) {
	j.malformed[name] = struct{}{}
	logger.Warn("malformed run token discarded", "cookie", name, "error", err)
}

// Config returns the jar's slot configuration.
func (j *Jar) Config() Config { return j.cfg }

// Get returns the token of a run.
func (j *Jar) Get(studyResultID uint64) (Token, bool) {
	if slot, ok := j.SlotOf(studyResultID); ok {
		return *j.slots[slot], true
	}
	return Token{}, false
}

// SlotOf returns the slot holding the token of a run.
func (j *Jar) SlotOf(studyResultID uint64) (int, bool) {
	for i, t := range j.slots {
		if t != nil && t.StudyResultID == studyResultID {
			return i, true
		}
	}
	return 0, false
}

// Len returns the number of held tokens.
func (j *Jar) Len() int {
	n := 0
	for _, t := range j.slots {
		if t != nil {
			n++
		}
	}
	return n
}

// Tokens returns the held tokens in slot order.
func (j *Jar) Tokens() []Token {
	out := make([]Token, 0, len(j.slots))
	for _, t := range j.slots {
		if t != nil {
			out = append(out, *t)
		}
	}
	return out
}

// Put stores tok in slot, replacing what is there.
func (j *Jar) Put(slot int, tok Token) {
	j.slots[slot] = &tok
	j.dirty[slot] = struct{}{}
}

// Expire empties slot.
func (j *Jar) Expire(slot int) {
	j.slots[slot] = nil
	j.dirty[slot] = struct{}{}
}

// Discard removes the token of a run, if held.
func (j *Jar) Discard(studyResultID uint64) bool {
	slot, ok := j.SlotOf(studyResultID)
	if ok {
		j.Expire(slot)
	}
	return ok
}

// freeSlot returns the lowest empty slot.
func (j *Jar) freeSlot() (int, bool) {
	for i, t := range j.slots {
		if t == nil {
			return i, true
		}
	}
	return 0, false
}

// oldestSlot returns the slot of the token with the smallest CreationTime,
// the lowest slot on ties. The jar must not be empty.
func (j *Jar) oldestSlot() int {
	oldest := -1
	for i, t := range j.slots {
		if t == nil {
			continue
		}
		if oldest < 0 || t.CreationTime < j.slots[oldest].CreationTime {
			oldest = i
		}
	}
	return oldest
}

// Changes returns the tokens to set and the names to expire since the jar
// was built.
func (j *Jar) Changes() Changes {
	var ch Changes
	slots := make([]int, 0, len(j.dirty))
	for s := range j.dirty {
		slots = append(slots, s)
	}
	sort.Ints(slots)

	covered := make(map[string]struct{}, len(slots))
	for _, s := range slots {
		name := j.cfg.Name(s)
		covered[name] = struct{}{}
		if t := j.slots[s]; t != nil {
			ch.Set = append(ch.Set, Cookie{Name: name, Value: Encode(*t)})
		} else {
			ch.Expire = append(ch.Expire, name)
		}
	}

	var bad []string
	for name := range j.malformed {
		if _, ok := covered[name]; !ok {
			bad = append(bad, name)
		}
	}
	sort.Strings(bad)
	ch.Expire = append(ch.Expire, bad...)
	return ch
}
