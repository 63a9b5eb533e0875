package acl

// TraceElement is the human readable annotation rendered when an expression or line shows up
// in a trace. It never takes part in equality.
type TraceElement struct {
	Text string `json:"text" yaml:"text"`
}

// TraceElementOf returns nil for empty text.
func TraceElementOf(text string) *TraceElement {
	if text == "" {
		return nil
	}
	return &TraceElement{Text: text}
}

func (t *TraceElement) String() string {
	if t == nil {
		return ""
	}
	return t.Text
}
