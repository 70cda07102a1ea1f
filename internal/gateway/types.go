// Package gateway talks to the Slack-style workspace gateway: the HTTP
// web API for message and reaction lookups, and the Socket Mode
// websocket that delivers event envelopes.
package gateway

// Envelope is one Socket Mode frame. Only events_api envelopes carry a
// payload worth unwrapping; hello and disconnect frames are informational.
type Envelope struct {
	Type       string        `json:"type"`
	EnvelopeID string        `json:"envelope_id,omitempty"`
	Payload    *EventPayload `json:"payload,omitempty"`
}

// EventPayload wraps the inner event of an events_api envelope.
type EventPayload struct {
	Event *Event `json:"event,omitempty"`
}

// Event is the inner event of an events_api envelope. Fields are pointers
// or zero-valued when absent; the dispatcher validates presence.
type Event struct {
	Type     string     `json:"type"`
	User     string     `json:"user,omitempty"`
	Reaction string     `json:"reaction,omitempty"`
	Subtype  string     `json:"subtype,omitempty"`
	Item     *EventItem `json:"item,omitempty"`
}

// EventItem locates the message an event refers to.
type EventItem struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
	TS      string `json:"ts"`
}

// Reaction is one emoji with the members who applied it, in the order the
// gateway reports them.
type Reaction struct {
	Name  string   `json:"name"`
	Users []string `json:"users"`
	Count int      `json:"count"`
}

// Message is a channel message as returned by the history API.
type Message struct {
	Text      string     `json:"text"`
	User      string     `json:"user"`
	TS        string     `json:"ts"`
	ThreadTS  string     `json:"thread_ts,omitempty"`
	Subtype   string     `json:"subtype,omitempty"`
	Reactions []Reaction `json:"reactions,omitempty"`
}

// Channel is a conversation visible to the bot.
type Channel struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	IsArchived bool   `json:"is_archived"`
	IsMember   bool   `json:"is_member"`
}

// HistoryPage is one page of conversation history.
type HistoryPage struct {
	Messages   []Message
	NextCursor string
	HasMore    bool
}

type acknowledgment struct {
	EnvelopeID string `json:"envelope_id"`
}

type connectionResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	URL   string `json:"url,omitempty"`
}

type historyResponse struct {
	OK       bool      `json:"ok"`
	Error    string    `json:"error,omitempty"`
	Messages []Message `json:"messages,omitempty"`
	HasMore  bool      `json:"has_more,omitempty"`
	Metadata struct {
		NextCursor string `json:"next_cursor"`
	} `json:"response_metadata"`
}

type reactionsResponse struct {
	OK      bool     `json:"ok"`
	Error   string   `json:"error,omitempty"`
	Message *Message `json:"message,omitempty"`
}

type channelsResponse struct {
	OK       bool      `json:"ok"`
	Error    string    `json:"error,omitempty"`
	Channels []Channel `json:"channels,omitempty"`
	Metadata struct {
		NextCursor string `json:"next_cursor"`
	} `json:"response_metadata"`
}
