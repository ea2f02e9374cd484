// Package render provides a built-in plain renderer for forum
// notifications.
//
// The pipeline treats rendering as pluggable: platforms with their own
// theming implement forumnotify.ContentRenderer directly. This package
// is the batteries-included default that produces readable text and
// minimal HTML without any template machinery.
package render

import (
	"context"
	"fmt"
	"html"
	"strings"

	"github.com/rbaliyan/forumnotify"
	"github.com/rbaliyan/forumnotify/store"
)

// Plain renders notifications as plain text with a minimal HTML
// alternative. Zero value is not usable; call NewPlain.
type Plain struct {
	// timeFormat formats post timestamps in bodies.
	timeFormat string
}

// NewPlain creates the built-in plain renderer.
func NewPlain() *Plain {
	return &Plain{timeFormat: "Mon, 2 Jan 2006 15:04 MST"}
}

var _ forumnotify.ContentRenderer = (*Plain)(nil)

// RenderImmediate renders the subject and bodies for a single-post email.
func (r *Plain) RenderImmediate(_ context.Context, in *forumnotify.RenderInput) (*forumnotify.RenderedMessage, error) {
	if in == nil || in.Forum == nil || in.Discussion == nil || in.Post == nil {
		return nil, fmt.Errorf("render: incomplete input")
	}

	subject := fmt.Sprintf("[%s] %s", in.Forum.Name, in.Post.Subject)

	var tb strings.Builder
	fmt.Fprintf(&tb, "%s\n", in.Post.Subject)
	fmt.Fprintf(&tb, "by %s - %s\n", in.Author.Name, in.Post.Created.Format(r.timeFormat))
	fmt.Fprintf(&tb, "in %s / %s\n\n", in.Forum.Name, in.Discussion.Name)
	tb.WriteString(bodyText(in.Post))
	tb.WriteString("\n")

	var hb strings.Builder
	fmt.Fprintf(&hb, "<h3>%s</h3>\n", html.EscapeString(in.Post.Subject))
	fmt.Fprintf(&hb, "<p>by %s - %s<br>in %s / %s</p>\n",
		html.EscapeString(in.Author.Name),
		in.Post.Created.Format(r.timeFormat),
		html.EscapeString(in.Forum.Name),
		html.EscapeString(in.Discussion.Name))
	hb.WriteString("<div>" + bodyHTML(in.Post) + "</div>\n")

	return &forumnotify.RenderedMessage{
		Subject:  subject,
		TextBody: tb.String(),
		HTMLBody: hb.String(),
	}, nil
}

// RenderDigestEntry renders one post's fragment for a digest email.
// Subject-only digests get a single line; complete digests get the
// full body.
func (r *Plain) RenderDigestEntry(_ context.Context, in *forumnotify.RenderInput, level store.DigestLevel) (*forumnotify.DigestFragment, error) {
	if in == nil || in.Post == nil {
		return nil, fmt.Errorf("render: incomplete input")
	}

	if level == store.DigestSubjects {
		return &forumnotify.DigestFragment{
			Text: fmt.Sprintf("* %s - %s", in.Post.Subject, in.Author.Name),
			HTML: fmt.Sprintf("<li>%s - %s</li>",
				html.EscapeString(in.Post.Subject), html.EscapeString(in.Author.Name)),
		}, nil
	}

	var tb strings.Builder
	fmt.Fprintf(&tb, "%s\nby %s - %s\n\n%s\n",
		in.Post.Subject, in.Author.Name, in.Post.Created.Format(r.timeFormat), bodyText(in.Post))

	var hb strings.Builder
	fmt.Fprintf(&hb, "<h4>%s</h4>\n<p>by %s - %s</p>\n<div>%s</div>",
		html.EscapeString(in.Post.Subject),
		html.EscapeString(in.Author.Name),
		in.Post.Created.Format(r.timeFormat),
		bodyHTML(in.Post))

	return &forumnotify.DigestFragment{Text: tb.String(), HTML: hb.String()}, nil
}

// bodyText prefers the plain body and falls back to a crude strip of
// the HTML one.
func bodyText(p *store.Post) string {
	if p.Body != "" {
		return p.Body
	}
	return stripTags(p.HTMLBody)
}

// bodyHTML prefers the HTML body and falls back to escaped plain text.
func bodyHTML(p *store.Post) string {
	if p.HTMLBody != "" {
		return p.HTMLBody
	}
	return "<p>" + strings.ReplaceAll(html.EscapeString(p.Body), "\n", "<br>") + "</p>"
}

// stripTags removes markup for the text fallback. It is not a
// sanitizer; the output is only ever plain text.
func stripTags(s string) string {
	var b strings.Builder
	inTag := false
	for _, r := range s {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			b.WriteRune(r)
		}
	}
	return html.UnescapeString(strings.TrimSpace(b.String()))
}
