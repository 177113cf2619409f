package imapworker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message/mail"

	"github.com/jhult/emailengine/internal/control"
	"github.com/jhult/emailengine/internal/events"
	"github.com/jhult/emailengine/internal/smtpclient"
	"github.com/jhult/emailengine/internal/submitworker"
)

// RPC operation names served by every IMAP worker.
const (
	OpListMessages  = "listMessages"
	OpGetMessage    = "getMessage"
	OpGetText       = "getText"
	OpGetRawMessage = "getRawMessage"
	OpGetAttachment = "getAttachment"
	OpUpdateMessage = "updateMessage"
	OpMoveMessage   = "moveMessage"
	OpDeleteMessage = "deleteMessage"
	OpSubmitMessage = "submitMessage"
	OpQueueMessage  = "queueMessage"
	OpUploadMessage = "uploadMessage"
	OpCreateMailbox = "createMailbox"
	OpDeleteMailbox = "deleteMailbox"
	OpBuildContacts = "buildContacts"
)

type messageParams struct {
	Mailbox string `json:"mailbox,omitempty"`
	UID     uint32 `json:"uid,omitempty"`
	Page    int    `json:"page,omitempty"`
	Size    int    `json:"pageSize,omitempty"`
	// updateMessage
	AddFlags    []string `json:"addFlags,omitempty"`
	RemoveFlags []string `json:"removeFlags,omitempty"`
	// moveMessage / mailbox ops
	Target string `json:"target,omitempty"`
	Path   string `json:"path,omitempty"`
	// getAttachment
	Part string `json:"part,omitempty"`
	// submit / queue / upload
	From      string   `json:"from,omitempty"`
	To        []string `json:"to,omitempty"`
	Raw       []byte   `json:"raw,omitempty"`
	QueueID   string   `json:"queueId,omitempty"`
	MessageID string   `json:"messageId,omitempty"`
	Flags     []string `json:"flags,omitempty"`
}

// dispatch routes an RPC to the account's connection. Accounts not owned
// here get the 503 guard; the supervisor should never let that happen, this
// is defense in depth.
func (w *Worker) dispatch(ctx context.Context, account, op string, rawParams json.RawMessage) (any, error) {
	conn, ok := w.conn(account)
	if !ok {
		return nil, control.NoActiveHandler()
	}

	var params messageParams
	if len(rawParams) > 0 {
		if err := json.Unmarshal(rawParams, &params); err != nil {
			return nil, &control.CallError{Code: "InvalidParams", StatusCode: 400, Message: err.Error()}
		}
	}

	switch op {
	case OpListMessages:
		return w.listMessages(conn, params)
	case OpGetMessage:
		return w.getMessage(conn, params)
	case OpGetText:
		return w.getText(conn, params)
	case OpGetRawMessage:
		return w.getRawMessage(conn, params)
	case OpGetAttachment:
		return w.getAttachment(conn, params)
	case OpUpdateMessage:
		return w.updateMessage(conn, params)
	case OpMoveMessage:
		return w.moveMessage(conn, params)
	case OpDeleteMessage:
		return w.deleteMessage(conn, params)
	case OpSubmitMessage:
		return w.submitMessage(ctx, conn, params)
	case OpQueueMessage:
		return w.queueMessage(ctx, conn, params)
	case OpUploadMessage:
		return w.uploadMessage(conn, params)
	case OpCreateMailbox:
		return w.createMailbox(conn, params)
	case OpDeleteMailbox:
		return w.deleteMailbox(conn, params)
	case OpBuildContacts:
		return w.buildContacts(conn, params)
	}
	return nil, &control.CallError{Code: "UnknownOp", StatusCode: 400, Message: fmt.Sprintf("unknown operation %s", op)}
}

func mailboxOrInbox(params messageParams) string {
	if params.Mailbox != "" {
		return params.Mailbox
	}
	return "INBOX"
}

func uidSetOf(uid uint32) imap.UIDSet {
	var set imap.UIDSet
	set.AddNum(imap.UID(uid))
	return set
}

type listedMessage struct {
	UID     uint32    `json:"uid"`
	Subject string    `json:"subject,omitempty"`
	From    string    `json:"from,omitempty"`
	To      []string  `json:"to,omitempty"`
	Date    time.Time `json:"date,omitempty"`
	Size    int64     `json:"size,omitempty"`
	Flags   []string  `json:"flags,omitempty"`
}

func toListed(buf *imapclient.FetchMessageBuffer) listedMessage {
	msg := listedMessage{
		UID:  uint32(buf.UID),
		Date: buf.InternalDate,
		Size: buf.RFC822Size,
	}
	for _, f := range buf.Flags {
		msg.Flags = append(msg.Flags, string(f))
	}
	if env := buf.Envelope; env != nil {
		msg.Subject = env.Subject
		if len(env.From) > 0 {
			msg.From = env.From[0].Addr()
		}
		for _, addr := range env.To {
			msg.To = append(msg.To, addr.Addr())
		}
		if msg.Date.IsZero() {
			msg.Date = env.Date
		}
	}
	return msg
}

func (w *Worker) listMessages(conn *Connection, params messageParams) (any, error) {
	pageSize := params.Size
	if pageSize < 1 {
		pageSize = 20
	}
	var out struct {
		Messages []listedMessage `json:"messages"`
		Total    uint32          `json:"total"`
		Page     int             `json:"page"`
		Pages    int             `json:"pages"`
	}
	err := conn.withClient(func(client Client) error {
		sel, err := client.Select(mailboxOrInbox(params), &imap.SelectOptions{ReadOnly: true})
		if err != nil {
			return err
		}
		out.Total = sel.NumMessages
		out.Page = params.Page
		out.Pages = int((sel.NumMessages + uint32(pageSize) - 1) / uint32(pageSize))
		if sel.NumMessages == 0 {
			return nil
		}
		// Newest first: page 0 holds the highest sequence numbers.
		end := int64(sel.NumMessages) - int64(params.Page)*int64(pageSize)
		if end < 1 {
			return nil
		}
		start := end - int64(pageSize) + 1
		if start < 1 {
			start = 1
		}
		var seq imap.SeqSet
		seq.AddRange(uint32(start), uint32(end))
		fetched, err := client.Fetch(seq, &imap.FetchOptions{
			UID: true, Envelope: true, Flags: true, InternalDate: true, RFC822Size: true,
		})
		if err != nil {
			return err
		}
		for i := len(fetched) - 1; i >= 0; i-- {
			out.Messages = append(out.Messages, toListed(fetched[i]))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (w *Worker) getMessage(conn *Connection, params messageParams) (any, error) {
	var out listedMessage
	err := conn.withClient(func(client Client) error {
		if _, err := client.Select(mailboxOrInbox(params), &imap.SelectOptions{ReadOnly: true}); err != nil {
			return err
		}
		fetched, err := client.Fetch(uidSetOf(params.UID), &imap.FetchOptions{
			UID: true, Envelope: true, Flags: true, InternalDate: true, RFC822Size: true,
		})
		if err != nil {
			return err
		}
		if len(fetched) == 0 {
			return &control.CallError{Code: "MessageNotFound", StatusCode: 404, Message: "message not found"}
		}
		out = toListed(fetched[0])
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (w *Worker) fetchRaw(conn *Connection, params messageParams) ([]byte, error) {
	var raw []byte
	err := conn.withClient(func(client Client) error {
		if _, err := client.Select(mailboxOrInbox(params), &imap.SelectOptions{ReadOnly: true}); err != nil {
			return err
		}
		section := &imap.FetchItemBodySection{}
		fetched, err := client.Fetch(uidSetOf(params.UID), &imap.FetchOptions{
			UID:         true,
			BodySection: []*imap.FetchItemBodySection{section},
		})
		if err != nil {
			return err
		}
		if len(fetched) == 0 {
			return &control.CallError{Code: "MessageNotFound", StatusCode: 404, Message: "message not found"}
		}
		raw = fetched[0].FindBodySection(section)
		return nil
	})
	return raw, err
}

func (w *Worker) getRawMessage(conn *Connection, params messageParams) (any, error) {
	raw, err := w.fetchRaw(conn, params)
	if err != nil {
		return nil, err
	}
	return map[string]any{"raw": raw}, nil
}

// getText extracts the text and HTML bodies from the stored message.
func (w *Worker) getText(conn *Connection, params messageParams) (any, error) {
	raw, err := w.fetchRaw(conn, params)
	if err != nil {
		return nil, err
	}
	reader, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse message: %w", err)
	}
	out := map[string]string{}
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read message part: %w", err)
		}
		header, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		mediaType, _, _ := header.ContentType()
		body, err := io.ReadAll(part.Body)
		if err != nil {
			return nil, fmt.Errorf("read body part: %w", err)
		}
		switch mediaType {
		case "text/plain":
			out["plain"] = string(body)
		case "text/html":
			out["html"] = string(body)
		}
	}
	return out, nil
}

// getAttachment returns the named attachment's bytes and filename.
func (w *Worker) getAttachment(conn *Connection, params messageParams) (any, error) {
	raw, err := w.fetchRaw(conn, params)
	if err != nil {
		return nil, err
	}
	reader, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse message: %w", err)
	}
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read message part: %w", err)
		}
		header, ok := part.Header.(*mail.AttachmentHeader)
		if !ok {
			continue
		}
		filename, _ := header.Filename()
		if params.Part != "" && filename != params.Part {
			continue
		}
		body, err := io.ReadAll(part.Body)
		if err != nil {
			return nil, fmt.Errorf("read attachment: %w", err)
		}
		contentType, _, _ := mime.ParseMediaType(header.Get("Content-Type"))
		return map[string]any{
			"filename":    filename,
			"contentType": contentType,
			"data":        body,
		}, nil
	}
	return nil, &control.CallError{Code: "AttachmentNotFound", StatusCode: 404, Message: "attachment not found"}
}

func toFlags(names []string) []imap.Flag {
	flags := make([]imap.Flag, 0, len(names))
	for _, name := range names {
		flags = append(flags, imap.Flag(name))
	}
	return flags
}

func (w *Worker) updateMessage(conn *Connection, params messageParams) (any, error) {
	err := conn.withClient(func(client Client) error {
		if _, err := client.Select(mailboxOrInbox(params), nil); err != nil {
			return err
		}
		if len(params.AddFlags) > 0 {
			store := &imap.StoreFlags{Op: imap.StoreFlagsAdd, Flags: toFlags(params.AddFlags), Silent: true}
			if err := client.Store(uidSetOf(params.UID), store); err != nil {
				return err
			}
		}
		if len(params.RemoveFlags) > 0 {
			store := &imap.StoreFlags{Op: imap.StoreFlagsDel, Flags: toFlags(params.RemoveFlags), Silent: true}
			if err := client.Store(uidSetOf(params.UID), store); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return map[string]bool{"updated": true}, nil
}

func (w *Worker) moveMessage(conn *Connection, params messageParams) (any, error) {
	if params.Target == "" {
		return nil, &control.CallError{Code: "InvalidParams", StatusCode: 400, Message: "target mailbox required"}
	}
	err := conn.withClient(func(client Client) error {
		if _, err := client.Select(mailboxOrInbox(params), nil); err != nil {
			return err
		}
		return client.Move(uidSetOf(params.UID), params.Target)
	})
	if err != nil {
		return nil, err
	}
	return map[string]bool{"moved": true}, nil
}

func (w *Worker) deleteMessage(conn *Connection, params messageParams) (any, error) {
	err := conn.withClient(func(client Client) error {
		if _, err := client.Select(mailboxOrInbox(params), nil); err != nil {
			return err
		}
		uids := uidSetOf(params.UID)
		store := &imap.StoreFlags{Op: imap.StoreFlagsAdd, Flags: []imap.Flag{imap.FlagDeleted}, Silent: true}
		if err := client.Store(uids, store); err != nil {
			return err
		}
		return client.UIDExpunge(uids)
	})
	if err != nil {
		return nil, err
	}
	return map[string]bool{"deleted": true}, nil
}

// submitMessage sends immediately over SMTP. Called by the submission
// worker; the copy-on-send flag files the message into Sent.
func (w *Worker) submitMessage(ctx context.Context, conn *Connection, params messageParams) (any, error) {
	if len(params.Raw) == 0 {
		return nil, &control.CallError{Code: "InvalidParams", StatusCode: 400, Message: "raw message required"}
	}
	from := params.From
	if from == "" {
		from = conn.acct.Email
	}
	if err := w.smtp.Send(ctx, conn.acct, from, params.To, params.Raw); err != nil {
		// Only a 5xx reply is a permanent rejection; 4xx replies and
		// transport failures are reported so the submit queue retries them.
		if code := smtpclient.StatusCode(err); code >= 500 {
			return nil, &control.CallError{Code: "SubmitFailed", StatusCode: code, Message: err.Error()}
		}
		return nil, &control.CallError{Code: "SubmitDeferred", StatusCode: 502, Message: err.Error()}
	}
	if w.metrics != nil {
		w.metrics.SubmitTotal.WithLabelValues("sent").Inc()
	}
	if conn.acct.CopyOnSend {
		if err := conn.withClient(func(client Client) error {
			return client.Append("Sent", params.Raw, []imap.Flag{imap.FlagSeen})
		}); err != nil {
			w.accountLog(conn.acct, "warn", "copy-on-send failed: %v", err)
		}
	}
	w.emit(ctx, conn.acct, events.MessageSent, map[string]any{
		"messageId": params.MessageID,
		"queueId":   params.QueueID,
	})
	return map[string]any{"messageId": params.MessageID, "queueId": params.QueueID}, nil
}

// queueMessage stores the message durably and schedules it through the
// submit queue.
func (w *Worker) queueMessage(ctx context.Context, conn *Connection, params messageParams) (any, error) {
	if len(params.Raw) == 0 {
		return nil, &control.CallError{Code: "InvalidParams", StatusCode: 400, Message: "raw message required"}
	}
	queueID, err := submitworker.Queue(ctx, w.registry, w.engine, conn.acct.ID, &submitworker.Blob{
		From:      params.From,
		To:        params.To,
		Raw:       params.Raw,
		MessageID: params.MessageID,
	}, submitworker.QueueOptions{QueueID: params.QueueID})
	if err != nil {
		return nil, err
	}
	return map[string]string{"queueId": queueID}, nil
}

func (w *Worker) uploadMessage(conn *Connection, params messageParams) (any, error) {
	if len(params.Raw) == 0 {
		return nil, &control.CallError{Code: "InvalidParams", StatusCode: 400, Message: "raw message required"}
	}
	err := conn.withClient(func(client Client) error {
		return client.Append(mailboxOrInbox(params), params.Raw, toFlags(params.Flags))
	})
	if err != nil {
		return nil, err
	}
	return map[string]bool{"uploaded": true}, nil
}

func (w *Worker) createMailbox(conn *Connection, params messageParams) (any, error) {
	if params.Path == "" {
		return nil, &control.CallError{Code: "InvalidParams", StatusCode: 400, Message: "mailbox path required"}
	}
	if err := conn.withClient(func(client Client) error { return client.Create(params.Path) }); err != nil {
		return nil, err
	}
	w.emit(context.Background(), conn.acct, events.MailboxNew, map[string]string{"path": params.Path})
	return map[string]bool{"created": true}, nil
}

func (w *Worker) deleteMailbox(conn *Connection, params messageParams) (any, error) {
	if params.Path == "" {
		return nil, &control.CallError{Code: "InvalidParams", StatusCode: 400, Message: "mailbox path required"}
	}
	if err := conn.withClient(func(client Client) error { return client.Delete(params.Path) }); err != nil {
		return nil, err
	}
	w.emit(context.Background(), conn.acct, events.MailboxDeleted, map[string]string{"path": params.Path})
	return map[string]bool{"deleted": true}, nil
}

// buildContacts walks recent envelopes and aggregates unique correspondents.
func (w *Worker) buildContacts(conn *Connection, params messageParams) (any, error) {
	type contact struct {
		Name    string `json:"name,omitempty"`
		Address string `json:"address"`
		Seen    int    `json:"seen"`
	}
	found := make(map[string]*contact)
	err := conn.withClient(func(client Client) error {
		sel, err := client.Select(mailboxOrInbox(params), &imap.SelectOptions{ReadOnly: true})
		if err != nil {
			return err
		}
		if sel.NumMessages == 0 {
			return nil
		}
		start := int64(sel.NumMessages) - 999
		if start < 1 {
			start = 1
		}
		var seq imap.SeqSet
		seq.AddRange(uint32(start), sel.NumMessages)
		fetched, err := client.Fetch(seq, &imap.FetchOptions{UID: true, Envelope: true})
		if err != nil {
			return err
		}
		for _, msg := range fetched {
			if msg.Envelope == nil {
				continue
			}
			for _, addr := range append(append([]imap.Address{}, msg.Envelope.From...), msg.Envelope.To...) {
				key := strings.ToLower(addr.Addr())
				if key == "" || key == strings.ToLower(conn.acct.Email) {
					continue
				}
				if c, ok := found[key]; ok {
					c.Seen++
					if c.Name == "" {
						c.Name = addr.Name
					}
				} else {
					found[key] = &contact{Name: addr.Name, Address: addr.Addr(), Seen: 1}
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	contacts := make([]*contact, 0, len(found))
	for _, c := range found {
		contacts = append(contacts, c)
	}
	sort.Slice(contacts, func(i, j int) bool {
		if contacts[i].Seen != contacts[j].Seen {
			return contacts[i].Seen > contacts[j].Seen
		}
		return contacts[i].Address < contacts[j].Address
	})
	return map[string]any{"contacts": contacts}, nil
}
