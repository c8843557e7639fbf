// Package normalize implements the log normaliser fan-out (C7): a
// per-base-agent-kind converter from raw msgstore.Store content into
// JsonPatch entries describing a structured conversation, plus log
// retrieval that prefers a live in-memory store and otherwise reconstructs
// one from persisted JSONL.
//
// Grounded on custom_agent.rs's normalize_logs dispatch (ClaudeLogProcessor
// for Claude-like/Amp/None plus a stderr normaliser, ACP-style for
// Gemini/Opencode/QwenCode, Codex's own, Droid's own plus stderr,
// stderr-only for CursorAgent/Copilot) and on the teacher's append-only
// per-concern status/log handling (internal/engine/state.go) for the
// reconstruct-from-JSONL path.
package normalize

import (
	"bufio"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/foreman-run/foreman/internal/agentprofile"
	"github.com/foreman-run/foreman/internal/msgstore"
)

// EntryType is the NormalizedEntry.entry_type tag (spec §6).
type EntryType string

const (
	EntryToolCall         EntryType = "ToolCall"
	EntryAssistantMessage EntryType = "AssistantMessage"
	EntryUserMessage      EntryType = "UserMessage"
	EntryErrorMessage     EntryType = "ErrorMessage"
	EntryStderrLine       EntryType = "StderrLine"
)

// ErrorKind is entry_type=ErrorMessage's nested error_type.
type ErrorKind string

// SetupRequired is the only ErrorKind the core itself emits (spec §4.4).
const SetupRequired ErrorKind = "SetupRequired"

// NormalizedEntry is one conversation entry (spec §6).
type NormalizedEntry struct {
	Timestamp *time.Time      `json:"timestamp,omitempty"`
	EntryType EntryType       `json:"entry_type"`
	Content   string          `json:"content"`
	ErrorType ErrorKind       `json:"error_type,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// ConversationPatch is a JSON-patch-shaped operation adding one entry to the
// conversation at a given ordinal index (spec §6).
type ConversationPatch struct {
	Index int             `json:"index"`
	Entry NormalizedEntry `json:"entry"`
}

func (p ConversationPatch) toJSON() json.RawMessage {
	raw, _ := json.Marshal(p)
	return raw
}

// EntryIndexProvider hands out strictly increasing conversation indices
// shared by every normaliser attached to one store, so a stdout normaliser
// and a stderr normaliser writing to the same conversation never collide.
type EntryIndexProvider struct {
	mu   sync.Mutex
	next int
}

// NewEntryIndexProvider starts an index provider at 0.
func NewEntryIndexProvider() *EntryIndexProvider {
	return &EntryIndexProvider{}
}

// Next returns the next index and advances the counter.
func (p *EntryIndexProvider) Next() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := p.next
	p.next++
	return idx
}

// Reserve sets the next index to at least n, used to place a specific entry
// (e.g. the SetupRequired error) at a fixed index such as 2 without
// colliding with indices already handed out.
func (p *EntryIndexProvider) Reserve(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n >= p.next {
		p.next = n + 1
	}
}

// PushErrorAt pushes a JsonPatch entry of kind ErrorMessage at exactly
// index idx — the shape spec §4.4 step 6 requires for ExecutableNotFound.
func PushErrorAt(store *msgstore.Store, idx int, kind ErrorKind, helpText string) error {
	patch := ConversationPatch{Index: idx, Entry: NormalizedEntry{EntryType: EntryErrorMessage, ErrorType: kind, Content: helpText}}
	return store.Push(msgstore.JSONPatch(patch.toJSON()))
}

// stripANSI removes the common ANSI escape sequences coding agents emit on
// stderr so the UI's stderr tag shows clean text, mirroring the Rust
// stderr_processor's ANSI-stripping responsibility.
func stripANSI(s string) string {
	var b strings.Builder
	inEscape := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inEscape {
			if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') {
				inEscape = false
			}
			continue
		}
		if c == 0x1b {
			inEscape = true
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

// attachStderrNormalizer subscribes to store and emits one StderrLine
// JsonPatch entry per Stderr message, ANSI-stripped, sharing idx with any
// stdout normaliser also attached.
func attachStderrNormalizer(store *msgstore.Store, idx *EntryIndexProvider) {
	_, live, unsubscribe := store.Subscribe()
	go func() {
		defer unsubscribe()
		for msg := range live {
			if msg.Kind != msgstore.KindStderr {
				continue
			}
			patch := ConversationPatch{Index: idx.Next(), Entry: NormalizedEntry{EntryType: EntryStderrLine, Content: stripANSI(msg.Content)}}
			_ = store.Push(msgstore.JSONPatch(patch.toJSON()))
		}
	}()
}

// attachPassthroughNormalizer is the simplest stdout normaliser: one
// AssistantMessage entry per stdout line, used as the ACP-style and Codex
// stand-ins since their real wire formats are coding-agent-specific JSON
// this core only tags, never interprets (spec §1 Non-goals: "does not
// interpret their semantic output beyond tagging it").
func attachPassthroughNormalizer(store *msgstore.Store, idx *EntryIndexProvider) {
	_, live, unsubscribe := store.Subscribe()
	go func() {
		defer unsubscribe()
		for msg := range live {
			if msg.Kind != msgstore.KindStdout {
				continue
			}
			patch := ConversationPatch{Index: idx.Next(), Entry: NormalizedEntry{EntryType: EntryAssistantMessage, Content: msg.Content}}
			_ = store.Push(msgstore.JSONPatch(patch.toJSON()))
		}
	}()
}

// Attach wires the normaliser appropriate for kind onto store, per the
// dispatch table in custom_agent.rs's normalize_logs:
//
//   - ClaudeLike, Amp, "" (no base agent) → stdout passthrough + stderr
//   - Gemini, Opencode, QwenCode          → stdout passthrough (ACP-style)
//   - Codex                              → stdout passthrough (Codex-specific)
//   - Droid                              → stdout passthrough + stderr
//   - CursorAgent, Copilot               → stderr only
func Attach(store *msgstore.Store, kind agentprofile.BaseAgentKind) *EntryIndexProvider {
	idx := NewEntryIndexProvider()
	switch kind {
	case agentprofile.ClaudeLike, agentprofile.Amp, "":
		attachPassthroughNormalizer(store, idx)
		attachStderrNormalizer(store, idx)
	case agentprofile.Gemini, agentprofile.Opencode, agentprofile.QwenCode:
		attachPassthroughNormalizer(store, idx)
	case agentprofile.Codex:
		attachPassthroughNormalizer(store, idx)
	case agentprofile.Droid:
		attachPassthroughNormalizer(store, idx)
		attachStderrNormalizer(store, idx)
	case agentprofile.CursorAgent, agentprofile.Copilot:
		attachStderrNormalizer(store, idx)
	}
	return idx
}

// ReconstructFromJSONL rebuilds a temporary msgstore.Store from persisted
// raw-log JSONL, pushes Finished, and re-attaches kind's normaliser — the
// "otherwise" branch of spec §4.5's log retrieval when no live store is
// held in memory for this execution id anymore.
func ReconstructFromJSONL(lines []string, kind agentprofile.BaseAgentKind) (*msgstore.Store, error) {
	store := msgstore.New()
	// Attach before replaying: normalisers only consume the live channel,
	// so the store must have a subscriber in place before any raw line is
	// pushed, or that line would never reach the normaliser.
	Attach(store, kind)
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var msg msgstore.Msg
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			return nil, err
		}
		if msg.Kind == msgstore.KindFinished {
			continue // Finished is appended once, after replay completes
		}
		if err := store.Push(msg); err != nil {
			return nil, err
		}
	}
	if err := store.Push(msgstore.Finished); err != nil {
		return nil, err
	}
	return store, nil
}

// FilterRaw returns only the Stdout/Stderr/Finished items from history —
// the raw-log stream spec §4.5 defines.
func FilterRaw(history []msgstore.Msg) []msgstore.Msg {
	var out []msgstore.Msg
	for _, msg := range history {
		switch msg.Kind {
		case msgstore.KindStdout, msgstore.KindStderr, msgstore.KindFinished:
			out = append(out, msg)
		}
	}
	return out
}

// FilterNormalized returns only the JsonPatch/Finished items from history —
// the normalised stream spec §4.5 defines.
func FilterNormalized(history []msgstore.Msg) []msgstore.Msg {
	var out []msgstore.Msg
	for _, msg := range history {
		switch msg.Kind {
		case msgstore.KindJSONPatch, msgstore.KindFinished:
			out = append(out, msg)
		}
	}
	return out
}

// ScanLines is a small helper normalisers and ReconstructFromJSONL's
// callers share for splitting persisted JSONL blobs into lines without
// pulling in a second dependency for what bufio.Scanner already does well.
func ScanLines(raw string) []string {
	var lines []string
	scanner := bufio.NewScanner(strings.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines
}
