// SPDX-License-Identifier: MIT
// Copyright 2025 The nlweb-go Authors
//

package core

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateDefaults(t *testing.T) {
	s := NewState(&Request{Query: "pasta recipes", QueryID: "q-1"})

	assert.Equal(t, "pasta recipes", s.DecontextualizedQuery())

	found, _ := s.RequiredInfoFound()
	assert.True(t, found)

	irrelevant, _ := s.QueryIsIrrelevant()
	assert.False(t, irrelevant)
	assert.False(t, s.IsQueryDone())
}

func TestStateDecontextualizeIgnoresEmpty(t *testing.T) {
	s := NewState(&Request{Query: "pasta recipes"})

	s.SetDecontextualizedQuery("")
	assert.Equal(t, "pasta recipes", s.DecontextualizedQuery())

	s.SetDecontextualizedQuery("italian pasta recipes")
	assert.Equal(t, "italian pasta recipes", s.DecontextualizedQuery())
}

func TestMarkSentOnce(t *testing.T) {
	s := NewState(&Request{Query: "q"})
	answer := &RankedAnswer{URL: "u1", Score: 80}
	s.AppendRankedAnswer(answer)

	marked := 0
	var wg sync.WaitGroup
	var mu sync.Mutex
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.MarkSent(answer) {
				mu.Lock()
				marked++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, marked)
}

func TestRankedAnswersSortedByScore(t *testing.T) {
	s := NewState(&Request{Query: "q"})
	s.AppendRankedAnswer(&RankedAnswer{URL: "low", Score: 55})
	s.AppendRankedAnswer(&RankedAnswer{URL: "high", Score: 92})
	s.AppendRankedAnswer(&RankedAnswer{URL: "mid", Score: 70})

	answers := s.RankedAnswers()
	require.Len(t, answers, 3)
	assert.Equal(t, "high", answers[0].URL)
	assert.Equal(t, "mid", answers[1].URL)
	assert.Equal(t, "low", answers[2].URL)
}

func TestSentAnswersSubset(t *testing.T) {
	s := NewState(&Request{Query: "q"})
	a := &RankedAnswer{URL: "a", Score: 90}
	b := &RankedAnswer{URL: "b", Score: 80}
	s.AppendRankedAnswer(a)
	s.AppendRankedAnswer(b)
	s.MarkSent(a)

	sent := s.SentAnswers()
	require.Len(t, sent, 1)
	assert.Equal(t, "a", sent[0].URL)
	assert.Len(t, s.RankedAnswers(), 2)
}

func TestSelectedTool(t *testing.T) {
	s := NewState(&Request{Query: "q"})

	_, ok := s.SelectedTool()
	assert.False(t, ok)

	s.SetToolRouting([]ToolCandidate{
		{Name: "compare_items", Score: 85},
		{Name: "search", Score: 72},
	})

	top, ok := s.SelectedTool()
	require.True(t, ok)
	assert.Equal(t, "compare_items", top.Name)
}
