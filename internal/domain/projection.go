package domain

import "encoding/json"

// NewMessageDetail applies the message detail field projection.
func NewMessageDetail(m *Message) MessageDetail {
	d := MessageDetail{
		ID:                      m.ID,
		ConversationID:          m.ConversationID,
		Inputs:                  m.Inputs,
		Query:                   m.Query,
		Message:                 m.Message,
		MessageTokens:           m.MessageTokens,
		Answer:                  m.Answer,
		AnswerTokens:            m.AnswerTokens,
		ProviderResponseLatency: m.ProviderResponseLatency,
		FromSource:              m.FromSource,
		FromEndUserID:           nullable(m.FromEndUserID),
		FromAccountID:           nullable(m.FromAccountID),
		Feedbacks:               make([]FeedbackItem, 0, len(m.Feedbacks)),
		CreatedAt:               m.CreatedAt.Unix(),
	}
	if d.Inputs == nil {
		d.Inputs = map[string]any{}
	}
	if len(d.Message) == 0 {
		d.Message = json.RawMessage("null")
	}

	for _, f := range m.Feedbacks {
		d.Feedbacks = append(d.Feedbacks, FeedbackItem{
			Rating:        f.Rating,
			Content:       nullable(f.Content),
			FromSource:    f.FromSource,
			FromEndUserID: nullable(f.FromEndUserID),
			FromAccountID: nullable(f.FromAccountID),
		})
	}

	if a := m.Annotation; a != nil {
		d.Annotation = &AnnotationItem{
			ID:        a.ID,
			Content:   a.Content,
			AccountID: nullable(a.AccountID),
			CreatedAt: a.CreatedAt.Unix(),
		}
	}

	return d
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
