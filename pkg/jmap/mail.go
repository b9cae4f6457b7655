package jmap

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/jmap-core/jmapd/pkg/blob"
	"github.com/jmap-core/jmapd/pkg/kv"
	mimepkg "github.com/jmap-core/jmapd/pkg/mime"
	"github.com/jmap-core/jmapd/pkg/orm"
	"github.com/jmap-core/jmapd/pkg/types"
)

// Mail property field ids.
const (
	MailMailboxIDs types.PropertyID = 1
	MailKeywords   types.PropertyID = 2
	MailSubject    types.PropertyID = 3
	MailFrom       types.PropertyID = 4
	MailTo         types.PropertyID = 5
	MailCc         types.PropertyID = 6
	MailBcc        types.PropertyID = 7
	MailReplyTo    types.PropertyID = 8
	MailSender     types.PropertyID = 9
	MailReceivedAt types.PropertyID = 10
	MailSentAt     types.PropertyID = 11
	MailSize       types.PropertyID = 12
	MailBlobID     types.PropertyID = 13
	MailThreadID   types.PropertyID = 14
	MailPreview    types.PropertyID = 15
)

// MailSeenTag is an internal-only tag field (never exposed through
// Properties) carrying whether this message has the $seen keyword, kept
// in sync by SyncDerivedTags so Mailbox's unreadEmails counter can be
// computed by bitmap intersection instead of a per-message scan.
const MailSeenTag types.PropertyID = 200

// mailSeenTagValue is the sole tag value MailSeenTag ever carries: its
// presence in a document's tag set, not the value itself, is what
// matters.
const mailSeenTagValue uint32 = 1

const seenKeyword = "$seen"

// MailKind implements ObjectKind for the Mail collection.
type MailKind struct{}

var _ ObjectKind = MailKind{}

func (MailKind) Collection() types.Collection { return types.CollectionMail }

func (MailKind) Properties() map[string]PropertySchema {
	return map[string]PropertySchema{
		"mailboxIds": {Field: MailMailboxIDs, Kind: types.KindIDList, Tagged: true},
		"keywords":   {Field: MailKeywords, Kind: types.KindTextList},
		"subject":    {Field: MailSubject, Kind: types.KindText, Indexed: true},
		"from":       {Field: MailFrom, Kind: types.KindTextList},
		"to":         {Field: MailTo, Kind: types.KindTextList},
		"cc":         {Field: MailCc, Kind: types.KindTextList},
		"bcc":        {Field: MailBcc, Kind: types.KindTextList},
		"replyTo":    {Field: MailReplyTo, Kind: types.KindTextList},
		"sender":     {Field: MailSender, Kind: types.KindTextList},
		"receivedAt": {Field: MailReceivedAt, Kind: types.KindText, Indexed: true},
		"sentAt":     {Field: MailSentAt, Kind: types.KindText},
		"size":       {Field: MailSize, Kind: types.KindNumber},
		"blobId":     {Field: MailBlobID, Kind: types.KindText},
		"threadId":   {Field: MailThreadID, Kind: types.KindID},
		"preview":    {Field: MailPreview, Kind: types.KindText},
	}
}

func (MailKind) DefaultProperties() []types.PropertyID {
	return []types.PropertyID{
		MailMailboxIDs, MailKeywords, MailSubject, MailFrom, MailTo, MailCc,
		MailReceivedAt, MailSentAt, MailSize, MailBlobID, MailThreadID, MailPreview,
	}
}

func (MailKind) ValidationRules(isCreate bool) orm.ValidationRules {
	rules := orm.ValidationRules{
		IDReferenceFields: map[types.PropertyID]types.Collection{MailMailboxIDs: types.CollectionMailbox},
	}
	if isCreate {
		rules.Required = []types.PropertyID{MailMailboxIDs, MailBlobID}
	}
	return rules
}

// IDMapper uses the dense document-id space directly.
func (MailKind) IDMapper(account types.AccountID) (func(types.DocumentID) types.JMAPID, bool) {
	return func(id types.DocumentID) types.JMAPID { return types.NewJMAPID(0, id) }, true
}

// ValidateSelf rejects an update that would leave the message in zero
// mailboxes.
func (MailKind) ValidateSelf(store *kv.Store, account types.AccountID, docID types.DocumentID, o *orm.TinyORM) error {
	v, ok := o.Document().Properties[MailMailboxIDs]
	if !ok || len(v.IDList) == 0 {
		return fmt.Errorf("mail must remain in at least one mailbox")
	}
	return nil
}

// SyncDerivedTags keeps MailSeenTag in sync with the $seen entry of the
// in-progress keywords list.
func (MailKind) SyncDerivedTags(o *orm.TinyORM) {
	v := o.Document().Properties[MailKeywords]
	seen := false
	for _, k := range v.TxtList {
		if k == seenKeyword {
			seen = true
			break
		}
	}
	if seen {
		o.Tag(MailSeenTag, mailSeenTagValue)
	} else {
		o.Untag(MailSeenTag, mailSeenTagValue)
	}
}

// AfterDiff reports every mailbox this message belongs to as a
// child-update whenever the $seen tag flips, so Mailbox's derived
// unreadEmails counter becomes an observable changes() delta even
// though no Mailbox property itself changed.
func (MailKind) AfterDiff(store *kv.Store, account types.AccountID, prev *types.Document, plan *orm.WritePlan) (map[types.Collection][]types.DocumentID, error) {
	seenChanged := false
	for _, tc := range plan.TagChanges {
		if tc.Field == MailSeenTag {
			seenChanged = true
			break
		}
	}
	if !seenChanged {
		return nil, nil
	}
	v := plan.Document.Properties[MailMailboxIDs]
	if len(v.IDList) == 0 {
		return nil, nil
	}
	ids := make([]types.DocumentID, 0, len(v.IDList))
	for _, jid := range v.IDList {
		ids = append(ids, jid.Document())
	}
	return map[types.Collection][]types.DocumentID{types.CollectionMailbox: ids}, nil
}

func (MailKind) Derive(store *kv.Store, account types.AccountID, docID types.DocumentID, doc *types.Document) map[string]interface{} {
	return nil
}

// blobResolver adapts pkg/blob's Store to pkg/mime's BlobResolver,
// resolving a body part's blobId (the hex form produced by ID.Hex) back
// to the payload bytes.
type blobResolver struct {
	store *blob.Store
}

func (r blobResolver) Get(blobID string) ([]byte, error) {
	raw, err := hex.DecodeString(blobID)
	if err != nil {
		return nil, fmt.Errorf("mail: malformed blob id %q: %w", blobID, err)
	}
	id, err := blob.ParseID(raw)
	if err != nil {
		return nil, err
	}
	return r.store.GetRange(id, 0, ^uint64(0))
}

// PrepareCreate renders the create request's MIME body input
// (bodyValues plus the textBody/htmlBody/attachments convenience lists)
// into message bytes via pkg/mime, stores them in the blob store, and
// rewrites props to carry the resulting blobId/size/preview in place of
// the MIME-only input fields.
func (MailKind) PrepareCreate(blobs *blob.Store, account types.AccountID, props map[string]interface{}) (map[string]interface{}, error) {
	bodyValues, err := decodeBodyValues(props["bodyValues"])
	if err != nil {
		return nil, err
	}
	textParts, err := decodeBodyPartList(props["textBody"])
	if err != nil {
		return nil, err
	}
	htmlParts, err := decodeBodyPartList(props["htmlBody"])
	if err != nil {
		return nil, err
	}
	attachments, err := decodeBodyPartList(props["attachments"])
	if err != nil {
		return nil, err
	}

	body := composeBodyStructure(textParts, htmlParts, attachments)
	if body == nil {
		return nil, fmt.Errorf("mail create requires at least one of textBody/htmlBody/attachments")
	}

	in := &mimepkg.BuildInput{
		Subject:    stringProp(props["subject"]),
		Body:       body,
		BodyValues: bodyValues,
	}
	in.From = decodeAddressList(props["from"])
	in.To = decodeAddressList(props["to"])
	in.Cc = decodeAddressList(props["cc"])
	in.Bcc = decodeAddressList(props["bcc"])
	in.ReplyTo = decodeAddressList(props["replyTo"])
	in.Sender = decodeAddressList(props["sender"])
	if s := stringProp(props["sentAt"]); s != "" {
		if t, err := mimepkg.ParseRFC3339(s); err == nil {
			in.SentAt = t
		}
	} else {
		in.SentAt = time.Time{}
	}

	raw, err := mimepkg.BuildMessage(in, blobResolver{store: blobs})
	if err != nil {
		return nil, err
	}
	id, _, err := blobs.Put(raw)
	if err != nil {
		return nil, fmt.Errorf("store built message: %w", err)
	}

	out := make(map[string]interface{}, len(props))
	for k, v := range props {
		switch k {
		case "bodyValues", "textBody", "htmlBody", "attachments":
			continue
		default:
			out[k] = v
		}
	}
	out["blobId"] = id.Hex()
	out["size"] = float64(len(raw))
	out["preview"] = buildPreview(textParts, htmlParts, bodyValues)
	if _, ok := out["receivedAt"]; !ok {
		out["receivedAt"] = time.Now().UTC().Format(time.RFC3339)
	}
	return out, nil
}

func buildPreview(textParts, htmlParts []*mimepkg.BodyPart, bodyValues map[string]mimepkg.BodyValue) string {
	if len(textParts) > 0 {
		if bv, ok := bodyValues[textParts[0].PartID]; ok {
			return mimepkg.Truncate(bv.Value, 256)
		}
	}
	if len(htmlParts) > 0 {
		if bv, ok := bodyValues[htmlParts[0].PartID]; ok {
			return mimepkg.Truncate(mimepkg.StripHTML([]byte(bv.Value)), 256)
		}
	}
	return ""
}

func composeBodyStructure(text, html, attachments []*mimepkg.BodyPart) *mimepkg.BodyPart {
	var content *mimepkg.BodyPart
	switch {
	case len(text) > 0 && len(html) > 0:
		content = &mimepkg.BodyPart{Type: "multipart/alternative", SubParts: append(append([]*mimepkg.BodyPart{}, text...), html...)}
	case len(text) > 0:
		content = text[0]
	case len(html) > 0:
		content = html[0]
	}
	if len(attachments) == 0 {
		return content
	}
	if content == nil {
		if len(attachments) == 1 {
			return attachments[0]
		}
		return &mimepkg.BodyPart{Type: "multipart/mixed", SubParts: attachments}
	}
	all := append([]*mimepkg.BodyPart{content}, attachments...)
	return &mimepkg.BodyPart{Type: "multipart/mixed", SubParts: all}
}

func decodeBodyValues(raw interface{}) (map[string]mimepkg.BodyValue, error) {
	out := map[string]mimepkg.BodyValue{}
	m, ok := raw.(map[string]interface{})
	if !ok {
		return out, nil
	}
	for k, v := range m {
		entry, ok := v.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("bodyValues[%s]: expected object", k)
		}
		out[k] = mimepkg.BodyValue{
			Value:   stringProp(entry["value"]),
			Charset: stringProp(entry["charset"]),
		}
	}
	return out, nil
}

func decodeBodyPartList(raw interface{}) ([]*mimepkg.BodyPart, error) {
	items, ok := raw.([]interface{})
	if !ok {
		return nil, nil
	}
	out := make([]*mimepkg.BodyPart, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("body part entry must be an object")
		}
		out = append(out, &mimepkg.BodyPart{
			Type:        stringPropOr(m["type"], "text/plain"),
			PartID:      stringProp(m["partId"]),
			BlobID:      stringProp(m["blobId"]),
			Charset:     stringProp(m["charset"]),
			Disposition: stringProp(m["disposition"]),
			Name:        stringProp(m["name"]),
		})
	}
	return out, nil
}

func decodeAddressList(raw interface{}) []mimepkg.Address {
	items, ok := raw.([]interface{})
	if !ok {
		return nil
	}
	out := make([]mimepkg.Address, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		out = append(out, mimepkg.Address{Name: stringProp(m["name"]), Email: stringProp(m["email"])})
	}
	return out
}

func stringProp(raw interface{}) string {
	s, _ := raw.(string)
	return s
}

func stringPropOr(raw interface{}, fallback string) string {
	if s, ok := raw.(string); ok && s != "" {
		return s
	}
	return fallback
}
