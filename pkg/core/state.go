// SPDX-License-Identifier: MIT
// Copyright 2025 The nlweb-go Authors
//

package core

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/nlweb-go/nlweb/pkg/config"
	"github.com/nlweb-go/nlweb/pkg/retriever"
)

// Request is the immutable input of one query.
type Request struct {
	Query       string
	PrevQueries []string
	Sites       []string
	ContextURL  string
	Streaming   bool
	Mode        config.GenerateMode
	QueryID     string
	ThreadID    string
	UserID      string

	// Decontextualized carries a caller-supplied rewrite; when set the
	// decontextualisation pre-check is a no-op.
	Decontextualized string

	// Backend restricts retrieval to one endpoint. Honoured in dev mode only.
	Backend string
}

// RankedAnswer is one scored retrieval result. Sent is flipped exactly once,
// under the state mutex, when the answer is emitted.
type RankedAnswer struct {
	URL         string          `json:"url"`
	Site        string          `json:"site"`
	Name        string          `json:"name"`
	Schema      json.RawMessage `json:"schema_object"`
	Score       int             `json:"score"`
	Description string          `json:"description,omitempty"`
	Sent        bool            `json:"-"`
}

// ToolCandidate is one scored tool from the router.
type ToolCandidate struct {
	Name  string         `json:"name"`
	Score int            `json:"score"`
	Args  map[string]any `json:"args,omitempty"`
}

// State is the per-request mutable state shared by the handler's cooperative
// children. Lifecycle events coordinate the fan-out; everything else is
// guarded by the mutex.
type State struct {
	Request *Request

	// One-shot lifecycle events.
	PreChecksDone  *Event
	RetrievalDone  *Event
	AbortFastTrack *Event
	ConnLost       *Event // set when the caller disconnects

	mu sync.Mutex

	decontextualized  string
	itemType          string
	queryIsIrrelevant bool
	irrelevanceReason string
	requiredInfoFound bool
	userQuestion      string
	toolRouting       []ToolCandidate
	queryDone         bool
	fastTrackWorked   bool
	queryKind         string
	multiTypeQuery    bool

	retrievedItems []retriever.Item
	rankedAnswers  []*RankedAnswer
}

// NewState initialises request state. requiredInfoFound starts true; the
// required-info pre-check clears it when the site needs more from the user.
func NewState(req *Request) *State {
	return &State{
		Request:           req,
		PreChecksDone:     NewEvent(),
		RetrievalDone:     NewEvent(),
		AbortFastTrack:    NewEvent(),
		ConnLost:          NewEvent(),
		decontextualized:  req.Query,
		requiredInfoFound: true,
	}
}

// DecontextualizedQuery returns the effective query: the rewrite when one
// exists, the raw query otherwise.
func (s *State) DecontextualizedQuery() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.decontextualized
}

func (s *State) SetDecontextualizedQuery(q string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q != "" {
		s.decontextualized = q
	}
}

func (s *State) ItemType() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.itemType
}

func (s *State) SetItemType(t string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.itemType = t
}

func (s *State) QueryIsIrrelevant() (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queryIsIrrelevant, s.irrelevanceReason
}

func (s *State) SetQueryIrrelevant(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queryIsIrrelevant = true
	s.irrelevanceReason = reason
}

func (s *State) RequiredInfoFound() (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requiredInfoFound, s.userQuestion
}

func (s *State) SetRequiredInfoMissing(userQuestion string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requiredInfoFound = false
	s.userQuestion = userQuestion
}

func (s *State) ToolRouting() []ToolCandidate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.toolRouting
}

func (s *State) SetToolRouting(candidates []ToolCandidate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toolRouting = candidates
}

// SelectedTool returns the top routed tool, or "" when routing produced
// nothing.
func (s *State) SelectedTool() (ToolCandidate, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.toolRouting) == 0 {
		return ToolCandidate{}, false
	}
	return s.toolRouting[0], true
}

// QueryKind classifies the query shape (question, keyword, command).
func (s *State) QueryKind() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queryKind
}

func (s *State) SetQueryKind(kind string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queryKind = kind
}

// MultiTypeQuery marks a query that spans several item types.
func (s *State) SetMultiTypeQuery(multi bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.multiTypeQuery = multi
}

func (s *State) IsMultiTypeQuery() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.multiTypeQuery
}

// QueryDone marks the query as terminally answered; post-ranking is skipped.
func (s *State) SetQueryDone() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queryDone = true
}

func (s *State) IsQueryDone() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queryDone
}

func (s *State) SetFastTrackWorked() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fastTrackWorked = true
}

func (s *State) FastTrackWorked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fastTrackWorked
}

func (s *State) SetRetrievedItems(items []retriever.Item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retrievedItems = items
}

func (s *State) RetrievedItems() []retriever.Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retrievedItems
}

// AppendRankedAnswer records a good answer. The returned pointer is shared;
// MarkSent must be used to flip its Sent flag.
func (s *State) AppendRankedAnswer(answer *RankedAnswer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rankedAnswers = append(s.rankedAnswers, answer)
}

// MarkSent flips the Sent flag, returning false when the answer was already
// sent. This is the dedupe point for emissions.
func (s *State) MarkSent(answer *RankedAnswer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if answer.Sent {
		return false
	}
	answer.Sent = true
	return true
}

// RankedAnswers returns a snapshot sorted by score descending.
func (s *State) RankedAnswers() []*RankedAnswer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*RankedAnswer, len(s.rankedAnswers))
	copy(out, s.rankedAnswers)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// SentAnswers returns the emitted subset sorted by score descending.
func (s *State) SentAnswers() []*RankedAnswer {
	var sent []*RankedAnswer
	for _, answer := range s.RankedAnswers() {
		if answer.Sent {
			sent = append(sent, answer)
		}
	}
	return sent
}
