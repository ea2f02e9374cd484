package forumnotify

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"strings"

	"github.com/rbaliyan/forumnotify/store"
)

// mailer renders and dispatches single-post notifications. Envelope
// identity, threading headers, and reply tokens are built here so the
// renderer only deals with content.
type mailer struct {
	opts      *options
	oracle    VisibilityOracle
	renderer  ContentRenderer
	transport MailTransport
	tokens    *ReplyTokenCodec
	logger    *slog.Logger
}

func newMailer(o *options) *mailer {
	m := &mailer{
		opts:      o,
		oracle:    o.oracle,
		renderer:  o.renderer,
		transport: o.transport,
		logger:    o.logger,
	}
	if o.replyKey != nil {
		m.tokens = NewReplyTokenCodec(*o.replyKey)
	}
	return m
}

// messageID derives the deterministic Message-ID for one (post,
// recipient) pair. Deriving it from the pair rather than generating it
// at send time means a re-sent message threads into the same
// conversation in the recipient's client instead of forking a new one.
func (m *mailer) messageID(postID, recipientID int64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d/%d@%s", postID, recipientID, m.opts.messageDomain)))
	return fmt.Sprintf("<%x@%s>", sum[:16], m.opts.messageDomain)
}

// authorIdentity resolves the visible author for a post and recipient.
// On anonymous forums the placeholder identity is substituted unless
// the author revealed this particular post; authors always see their
// own identity on their own posts.
func (m *mailer) authorIdentity(f *store.Forum, p *store.Post, author *User, recipientID int64) Identity {
	if f.Anonymous && !p.Revealed && recipientID != p.AuthorID {
		return Identity{
			Name:  m.opts.anonymousName,
			Email: m.opts.anonymousEmail,
		}
	}
	return Identity{
		ID:    author.ID,
		Name:  author.FullName(),
		Email: author.Email,
	}
}

// fromIdentity is the envelope sender: the author's display name over
// the configured sending address, so replies route through the inbound
// handler rather than to the author directly.
func (m *mailer) fromIdentity(visible Identity) Identity {
	from := Identity{Name: visible.Name, Email: m.opts.sender.Email}
	if from.Email == "" {
		from.Email = "noreply@" + m.opts.messageDomain
	}
	return from
}

// replyAddress builds the tokenized reply-to address for a recipient,
// or "" when reply-by-email does not apply. Private replies never get
// one; token or capability failures disable the reply path for this
// message only.
func (m *mailer) replyAddress(ctx context.Context, f *store.Forum, p *store.Post, recipientID int64) string {
	if m.tokens == nil || p.IsPrivateReply() {
		return ""
	}
	ok, err := m.oracle.HasCapability(ctx, recipientID, CapabilityReply, f.ID)
	if err != nil {
		m.logger.Warn("reply capability check failed, omitting reply address",
			"post_id", p.ID, "user_id", recipientID, "error", err)
		return ""
	}
	if !ok {
		return ""
	}
	token, err := m.tokens.Encode(ReplyToken{PostID: p.ID, RecipientID: recipientID})
	if err != nil {
		m.logger.Warn("reply token encode failed, omitting reply address",
			"post_id", p.ID, "user_id", recipientID, "error", err)
		return ""
	}
	return fmt.Sprintf("reply+%s@%s", token, m.opts.messageDomain)
}

// headers assembles threading and list headers for one delivery.
func (m *mailer) headers(d *store.Discussion, p *store.Post, recipientID int64) map[string]string {
	h := map[string]string{
		HeaderMessageID:     m.messageID(p.ID, recipientID),
		HeaderPrecedence:    "bulk",
		HeaderAutoSubmitted: "auto-generated",
	}

	if p.ParentID != 0 {
		parentID := m.messageID(p.ParentID, recipientID)
		h[HeaderInReplyTo] = parentID

		// References carries the thread root first so clients without
		// full-chain knowledge still group the conversation.
		refs := []string{}
		if d.FirstPostID != 0 && d.FirstPostID != p.ParentID {
			refs = append(refs, m.messageID(d.FirstPostID, recipientID))
		}
		refs = append(refs, parentID)
		h[HeaderReferences] = strings.Join(refs, " ")
	}

	if m.opts.unsubscribeAddress != "" {
		h[HeaderListUnsubscribe] = "<" + m.opts.unsubscribeAddress + ">"
	}
	return h
}

// sendImmediate renders and dispatches one post to one recipient.
func (m *mailer) sendImmediate(ctx context.Context, f *store.Forum, d *store.Discussion, p *store.Post, author, recipient *User) error {
	visible := m.authorIdentity(f, p, author, recipient.ID)

	msg, err := m.renderer.RenderImmediate(ctx, &RenderInput{
		Forum:      f,
		Discussion: d,
		Post:       p,
		Author:     visible,
		Recipient:  recipient,
	})
	if err != nil {
		return &SendError{PostID: p.ID, RecipientID: recipient.ID, Err: fmt.Errorf("render: %w", err)}
	}

	env := &Envelope{
		From:     m.fromIdentity(visible),
		To:       Identity{ID: recipient.ID, Name: recipient.FullName(), Email: recipient.Email},
		ReplyTo:  m.replyAddress(ctx, f, p, recipient.ID),
		Subject:  msg.Subject,
		TextBody: msg.TextBody,
		HTMLBody: msg.HTMLBody,
		Headers:  m.headers(d, p, recipient.ID),
	}

	if err := m.transport.Send(ctx, env); err != nil {
		return &SendError{PostID: p.ID, RecipientID: recipient.ID, Err: err}
	}
	return nil
}

// sendDigest dispatches an assembled digest to one recipient.
func (m *mailer) sendDigest(ctx context.Context, recipient *User, subject, textBody, htmlBody string) error {
	from := Identity{Name: m.opts.sender.Name, Email: m.opts.sender.Email}
	if from.Email == "" {
		from.Email = "noreply@" + m.opts.messageDomain
	}

	headers := map[string]string{
		HeaderPrecedence:    "bulk",
		HeaderAutoSubmitted: "auto-generated",
	}
	if m.opts.unsubscribeAddress != "" {
		headers[HeaderListUnsubscribe] = "<" + m.opts.unsubscribeAddress + ">"
	}

	env := &Envelope{
		From:     from,
		To:       Identity{ID: recipient.ID, Name: recipient.FullName(), Email: recipient.Email},
		Subject:  subject,
		TextBody: textBody,
		HTMLBody: htmlBody,
		Headers:  headers,
	}
	return m.transport.Send(ctx, env)
}
