// Package envelope defines the JSON-array wire messages nostr clients and
// relays exchange over the websocket, per spec.md §4.E.
package envelope

import (
	"encoding/json"
	"fmt"

	"moar.dev/internal/nostr/event"
	"moar.dev/internal/nostr/filter"
)

// Labels for the envelope types this gateway understands. Client-to-relay:
// EVENT, REQ, CLOSE, AUTH, COUNT. Relay-to-client: EVENT, OK, EOSE, CLOSED,
// NOTICE, AUTH, COUNT.
const (
	LEvent  = "EVENT"
	LReq    = "REQ"
	LClose  = "CLOSE"
	LAuth   = "AUTH"
	LCount  = "COUNT"
	LOK     = "OK"
	LEOSE   = "EOSE"
	LClosed = "CLOSED"
	LNotice = "NOTICE"
)

// I is anything that can render itself as a JSON-array wire envelope.
type I interface {
	Label() string
	MarshalJSON() ([]byte, error)
}

// label peeks at the first element of a JSON array without decoding the
// rest, to dispatch Parse to the right concrete type.
func label(raw []byte) (string, error) {
	var head []json.RawMessage
	if err := json.Unmarshal(raw, &head); err != nil {
		return "", err
	}
	if len(head) == 0 {
		return "", fmt.Errorf("empty envelope")
	}
	var l string
	if err := json.Unmarshal(head[0], &l); err != nil {
		return "", fmt.Errorf("envelope label is not a string: %w", err)
	}
	return l, nil
}

// Parse reads a raw websocket text frame and returns the concrete envelope
// it decodes to.
func Parse(raw []byte) (I, error) {
	l, err := label(raw)
	if err != nil {
		return nil, err
	}
	switch l {
	case LEvent:
		e := &Event{}
		return e, json.Unmarshal(raw, e)
	case LReq:
		r := &Req{}
		return r, json.Unmarshal(raw, r)
	case LClose:
		c := &Close{}
		return c, json.Unmarshal(raw, c)
	case LAuth:
		a := &Auth{}
		return a, json.Unmarshal(raw, a)
	case LCount:
		c := &Count{}
		return c, json.Unmarshal(raw, c)
	case LOK:
		o := &OK{}
		return o, json.Unmarshal(raw, o)
	case LEOSE:
		e := &EOSE{}
		return e, json.Unmarshal(raw, e)
	case LClosed:
		c := &Closed{}
		return c, json.Unmarshal(raw, c)
	case LNotice:
		n := &Notice{}
		return n, json.Unmarshal(raw, n)
	default:
		return nil, fmt.Errorf("unknown envelope label %q", l)
	}
}

// Event is both the client->relay publish envelope and the relay->client
// delivery envelope: ["EVENT", <event J>] or ["EVENT", <sub id>, <event J>].
type Event struct {
	SubscriptionId string
	Event          *event.E
}

func (e *Event) Label() string { return LEvent }

func (e *Event) MarshalJSON() ([]byte, error) {
	if e.SubscriptionId == "" {
		return json.Marshal([]interface{}{LEvent, e.Event})
	}
	return json.Marshal([]interface{}{LEvent, e.SubscriptionId, e.Event})
}

func (e *Event) UnmarshalJSON(b []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	switch len(raw) {
	case 2:
		e.Event = event.New()
		return json.Unmarshal(raw[1], e.Event)
	case 3:
		if err := json.Unmarshal(raw[1], &e.SubscriptionId); err != nil {
			return err
		}
		e.Event = event.New()
		return json.Unmarshal(raw[2], e.Event)
	default:
		return fmt.Errorf("EVENT envelope: want 2 or 3 elements, got %d", len(raw))
	}
}

// Req is the client's subscription request: ["REQ", <sub id>, <filter>...].
type Req struct {
	SubscriptionId string
	Filters        filter.S
}

func (r *Req) Label() string { return LReq }

func (r *Req) MarshalJSON() ([]byte, error) {
	arr := make([]interface{}, 0, 2+len(r.Filters))
	arr = append(arr, LReq, r.SubscriptionId)
	for _, f := range r.Filters {
		arr = append(arr, f)
	}
	return json.Marshal(arr)
}

func (r *Req) UnmarshalJSON(b []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if len(raw) < 2 {
		return fmt.Errorf("REQ envelope: want label + sub id + filters, got %d elements", len(raw))
	}
	if err := json.Unmarshal(raw[1], &r.SubscriptionId); err != nil {
		return err
	}
	r.Filters = make(filter.S, 0, len(raw)-2)
	for _, fr := range raw[2:] {
		f := filter.New()
		if err := json.Unmarshal(fr, f); err != nil {
			return err
		}
		r.Filters = append(r.Filters, f)
	}
	return nil
}

// Close cancels a subscription: ["CLOSE", <sub id>].
type Close struct{ SubscriptionId string }

func (c *Close) Label() string { return LClose }

func (c *Close) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{LClose, c.SubscriptionId})
}

func (c *Close) UnmarshalJSON(b []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if len(raw) != 2 {
		return fmt.Errorf("CLOSE envelope: want 2 elements, got %d", len(raw))
	}
	return json.Unmarshal(raw[1], &c.SubscriptionId)
}

// Auth is the NIP-42 authentication envelope. From relay to client it
// carries a fresh challenge string: ["AUTH", <challenge>]. From client to
// relay it carries the signed kind-22242 event: ["AUTH", <event J>].
type Auth struct {
	Challenge string
	Event     *event.E
}

func (a *Auth) Label() string { return LAuth }

func (a *Auth) MarshalJSON() ([]byte, error) {
	if a.Event != nil {
		return json.Marshal([]interface{}{LAuth, a.Event})
	}
	return json.Marshal([]interface{}{LAuth, a.Challenge})
}

func (a *Auth) UnmarshalJSON(b []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if len(raw) != 2 {
		return fmt.Errorf("AUTH envelope: want 2 elements, got %d", len(raw))
	}
	var s string
	if err := json.Unmarshal(raw[1], &s); err == nil {
		a.Challenge = s
		return nil
	}
	a.Event = event.New()
	return json.Unmarshal(raw[1], a.Event)
}

// Count is both the client's request ["COUNT", <sub id>, <filter>...] and
// the relay's response ["COUNT", <sub id>, {"count": N}].
type Count struct {
	SubscriptionId string
	Filters        filter.S
	Result         *int
}

func (c *Count) Label() string { return LCount }

func (c *Count) MarshalJSON() ([]byte, error) {
	if c.Result != nil {
		return json.Marshal([]interface{}{LCount, c.SubscriptionId, map[string]int{"count": *c.Result}})
	}
	arr := make([]interface{}, 0, 2+len(c.Filters))
	arr = append(arr, LCount, c.SubscriptionId)
	for _, f := range c.Filters {
		arr = append(arr, f)
	}
	return json.Marshal(arr)
}

func (c *Count) UnmarshalJSON(b []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if len(raw) < 2 {
		return fmt.Errorf("COUNT envelope: want label + sub id, got %d elements", len(raw))
	}
	if err := json.Unmarshal(raw[1], &c.SubscriptionId); err != nil {
		return err
	}
	if len(raw) == 3 {
		var res struct {
			Count *int `json:"count"`
		}
		if err := json.Unmarshal(raw[2], &res); err == nil && res.Count != nil {
			c.Result = res.Count
			return nil
		}
	}
	c.Filters = make(filter.S, 0, len(raw)-2)
	for _, fr := range raw[2:] {
		f := filter.New()
		if err := json.Unmarshal(fr, f); err != nil {
			return err
		}
		c.Filters = append(c.Filters, f)
	}
	return nil
}

// OK acknowledges a published event: ["OK", <event id>, <accepted>, <message>].
type OK struct {
	EventId  string
	Accepted bool
	Message  string
}

func (o *OK) Label() string { return LOK }

func (o *OK) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{LOK, o.EventId, o.Accepted, o.Message})
}

func (o *OK) UnmarshalJSON(b []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if len(raw) != 4 {
		return fmt.Errorf("OK envelope: want 4 elements, got %d", len(raw))
	}
	if err := json.Unmarshal(raw[1], &o.EventId); err != nil {
		return err
	}
	if err := json.Unmarshal(raw[2], &o.Accepted); err != nil {
		return err
	}
	return json.Unmarshal(raw[3], &o.Message)
}

// EOSE marks the end of stored results for a subscription: ["EOSE", <sub id>].
type EOSE struct{ SubscriptionId string }

func (e *EOSE) Label() string { return LEOSE }

func (e *EOSE) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{LEOSE, e.SubscriptionId})
}

func (e *EOSE) UnmarshalJSON(b []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if len(raw) != 2 {
		return fmt.Errorf("EOSE envelope: want 2 elements, got %d", len(raw))
	}
	return json.Unmarshal(raw[1], &e.SubscriptionId)
}

// Closed tells the client a subscription was ended by the relay, with a
// machine-parseable reason prefix: ["CLOSED", <sub id>, <message>].
type Closed struct {
	SubscriptionId string
	Message        string
}

func (c *Closed) Label() string { return LClosed }

func (c *Closed) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{LClosed, c.SubscriptionId, c.Message})
}

func (c *Closed) UnmarshalJSON(b []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if len(raw) != 3 {
		return fmt.Errorf("CLOSED envelope: want 3 elements, got %d", len(raw))
	}
	if err := json.Unmarshal(raw[1], &c.SubscriptionId); err != nil {
		return err
	}
	return json.Unmarshal(raw[2], &c.Message)
}

// Notice is a free-text human-readable message: ["NOTICE", <message>].
type Notice struct{ Message string }

func (n *Notice) Label() string { return LNotice }

func (n *Notice) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{LNotice, n.Message})
}

func (n *Notice) UnmarshalJSON(b []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if len(raw) != 2 {
		return fmt.Errorf("NOTICE envelope: want 2 elements, got %d", len(raw))
	}
	return json.Unmarshal(raw[1], &n.Message)
}
