package auth

import "context"

type subjectKey struct{}

// WithSubject stores the authenticated subject on the context.
func WithSubject(ctx context.Context, subject *Subject) context.Context {
	if subject == nil {
		return ctx
	}
	return context.WithValue(ctx, subjectKey{}, subject)
}

// SubjectName returns the name of the caller, or "anonymous" when the
// request was not authenticated.
func SubjectName(ctx context.Context) string {
	if ctx == nil {
		return "anonymous"
	}
	if subject, ok := ctx.Value(subjectKey{}).(*Subject); ok && subject.Name != "" {
		return subject.Name
	}
	return "anonymous"
}
