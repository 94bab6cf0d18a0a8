// SPDX-License-Identifier: MIT
// Copyright 2025 The nlweb-go Authors
//

package core

// Message is one frame on the response stream. Every message carries
// message_type and query_id; the rest of the payload varies by type.
type Message map[string]any

// Message types emitted on the stream.
const (
	MsgAPIVersion       = "api_version"
	MsgHeader           = "header"
	MsgAPIKey           = "api_key"
	MsgToolSelection    = "tool_selection"
	MsgDecontextualized = "decontextualized_query"
	MsgIntermediate     = "intermediate_message"
	MsgResultBatch      = "result_batch"
	MsgItemDetails      = "item_details"
	MsgCompareItems     = "compare_items"
	MsgEnsembleResult   = "ensemble_result"
	MsgStatisticsResult = "statistics_result"
	MsgChartResult      = "chart_result"
	MsgNLWS             = "nlws"
	MsgAskUser          = "ask_user"
	MsgSummary          = "summary"
	MsgError            = "error"
	MsgComplete         = "complete"
)

// APIVersion is announced in the first frame of every response.
const APIVersion = "0.1"

// NewMessage builds a message of the given type.
func NewMessage(msgType string) Message {
	return Message{"message_type": msgType}
}

// Type returns the message_type, or "" when absent.
func (m Message) Type() string {
	t, _ := m["message_type"].(string)
	return t
}
