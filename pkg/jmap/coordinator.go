// Package jmap implements the JMAP get/set/changes coordinator: the
// scaffolding shared by every object kind (Mail, Mailbox, ...), dispatched
// through the ObjectKind capability table rather than per-type copies.
package jmap

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jmap-core/jmapd/pkg/blob"
	"github.com/jmap-core/jmapd/pkg/changelog"
	"github.com/jmap-core/jmapd/pkg/kv"
	"github.com/jmap-core/jmapd/pkg/log"
	"github.com/jmap-core/jmapd/pkg/orm"
	"github.com/jmap-core/jmapd/pkg/raftlog"
	"github.com/jmap-core/jmapd/pkg/types"
)

// Coordinator is the generic get/set/changes engine. One Coordinator
// serves every registered ObjectKind; kind-specific behavior is reached
// entirely through the ObjectKind interface.
type Coordinator struct {
	manager         *raftlog.Manager
	blobs           *blob.Store
	kinds           map[types.Collection]ObjectKind
	maxObjectsInGet int
}

// NewCoordinator wires a Coordinator to the replicated store and the
// local blob store (used only for Mail's create-time build_message).
// maxObjectsInGet enforces §4.5's get RequestTooLarge bound.
func NewCoordinator(manager *raftlog.Manager, blobs *blob.Store, maxObjectsInGet int) *Coordinator {
	if maxObjectsInGet <= 0 {
		maxObjectsInGet = 500
	}
	return &Coordinator{
		manager:         manager,
		blobs:           blobs,
		kinds:           make(map[types.Collection]ObjectKind),
		maxObjectsInGet: maxObjectsInGet,
	}
}

// Register associates an ObjectKind with its collection.
func (c *Coordinator) Register(kind ObjectKind) {
	c.kinds[kind.Collection()] = kind
}

func (c *Coordinator) kindFor(collection types.Collection) (ObjectKind, error) {
	kind, ok := c.kinds[collection]
	if !ok {
		return nil, newErr(ErrUnknownMethod, fmt.Sprintf("no object kind registered for collection %s", collection))
	}
	return kind, nil
}

func (c *Coordinator) state(account types.AccountID, collection types.Collection) (types.StateToken, error) {
	changeID, err := c.manager.ChangeLog().State(account, collection)
	if err != nil {
		return types.StateToken{}, internalError("read state", err)
	}
	return types.StateToken{ChangeID: changeID}, nil
}

// ---------------------------------------------------------------------
// get
// ---------------------------------------------------------------------

// GetResult is the response shape for a get call, rendered with JSON-ready
// property maps so pkg/transport can marshal it without re-touching the
// storage layer.
type GetResult struct {
	AccountID types.AccountID
	State     string
	List      []map[string]interface{}
	NotFound  []string
}

// Get implements §4.5's get algorithm: explicit ids are validated against
// the live set only when the kind supplies an IDMapper (a sparse id-space
// signal); an absent ids list enumerates live documents through the
// mapper, or yields an empty list if no mapper exists at all.
func (c *Coordinator) Get(collection types.Collection, account types.AccountID, ids []string, properties []string) (*GetResult, error) {
	kind, err := c.kindFor(collection)
	if err != nil {
		return nil, err
	}
	store := c.manager.Store()

	fields, err := resolveProperties(kind, properties)
	if err != nil {
		return nil, err
	}

	mapper, mapperOK := kind.IDMapper(account)

	type target struct {
		requested string
		docID     types.DocumentID
		missing   bool
	}
	var targets []target

	if ids == nil {
		if !mapperOK {
			st, err := c.state(account, collection)
			if err != nil {
				return nil, err
			}
			return &GetResult{AccountID: account, State: st.String(), List: nil, NotFound: nil}, nil
		}
		bm, err := store.GetBitmap(kv.CFBitmaps, kv.DocumentIDBitmapKey(account, collection))
		if err != nil {
			return nil, internalError("enumerate live documents", err)
		}
		if bm.GetCardinality() > uint64(c.maxObjectsInGet) {
			return nil, newErr(ErrRequestTooLarge, fmt.Sprintf("live set size %d exceeds max_objects_in_get %d", bm.GetCardinality(), c.maxObjectsInGet))
		}
		it := bm.Iterator()
		for it.HasNext() {
			docID := types.DocumentID(it.Next())
			jid := mapper(docID)
			targets = append(targets, target{requested: jid.String(), docID: docID})
		}
	} else {
		if len(ids) > c.maxObjectsInGet {
			return nil, newErr(ErrRequestTooLarge, fmt.Sprintf("ids.len() %d exceeds max_objects_in_get %d", len(ids), c.maxObjectsInGet))
		}
		for _, raw := range ids {
			jid, err := types.ParseJMAPID(raw)
			if err != nil {
				targets = append(targets, target{requested: raw, missing: true})
				continue
			}
			docID := jid.Document()
			if mapperOK {
				bm, err := store.GetBitmap(kv.CFBitmaps, kv.DocumentIDBitmapKey(account, collection))
				if err != nil {
					return nil, internalError("check live set", err)
				}
				if !bm.Contains(uint32(docID)) {
					targets = append(targets, target{requested: raw, missing: true})
					continue
				}
			}
			targets = append(targets, target{requested: raw, docID: docID})
		}
	}

	result := &GetResult{AccountID: account}
	for _, t := range targets {
		if t.missing {
			result.NotFound = append(result.NotFound, t.requested)
			continue
		}
		doc, found, err := orm.LoadDocument(store, account, collection, t.docID)
		if err != nil {
			return nil, internalError("load document", err)
		}
		if !found {
			result.NotFound = append(result.NotFound, t.requested)
			continue
		}
		rendered := renderDocument(kind, doc, fields)
		for k, v := range kind.Derive(store, account, t.docID, doc) {
			rendered[k] = v
		}
		result.List = append(result.List, rendered)
	}

	st, err := c.state(account, collection)
	if err != nil {
		return nil, err
	}
	result.State = st.String()
	return result, nil
}

func resolveProperties(kind ObjectKind, requested []string) ([]types.PropertyID, error) {
	if len(requested) == 0 {
		return kind.DefaultProperties(), nil
	}
	schema := kind.Properties()
	fields := make([]types.PropertyID, 0, len(requested))
	for _, name := range requested {
		s, ok := schema[name]
		if !ok {
			return nil, newPropErr(ErrInvalidArgs, name, "unknown property")
		}
		fields = append(fields, s.Field)
	}
	return fields, nil
}

func renderDocument(kind ObjectKind, doc *types.Document, fields []types.PropertyID) map[string]interface{} {
	out := make(map[string]interface{}, len(fields)+1)
	for _, field := range fields {
		name := PropertyByField(kind, field)
		if name == "" {
			continue
		}
		v, ok := doc.Properties[field]
		if !ok {
			out[name] = nil
			continue
		}
		out[name] = valueToJSON(v)
	}
	return out
}

func valueToJSON(v types.Value) interface{} {
	switch v.Kind {
	case types.KindNull:
		return nil
	case types.KindID:
		return v.ID.String()
	case types.KindText:
		return v.Text
	case types.KindBool:
		return v.Bool
	case types.KindNumber:
		return v.Number
	case types.KindIDList:
		out := make([]string, len(v.IDList))
		for i, id := range v.IDList {
			out[i] = id.String()
		}
		return out
	case types.KindTextList:
		return v.TxtList
	case types.KindRecord:
		out := make(map[string]interface{}, len(v.Record))
		for field, fv := range v.Record {
			out[fmt.Sprintf("%d", field)] = valueToJSON(fv)
		}
		return out
	default:
		return nil
	}
}

// ---------------------------------------------------------------------
// set
// ---------------------------------------------------------------------

// SetRequest is the decoded input to Set. Create/Update/Destroy are
// already JSON-decoded (map[string]interface{} patch bodies); resolving
// "#localId" references happens internally against CreatedIDs.
type SetRequest struct {
	Create     map[string]map[string]interface{}
	Update     map[string]map[string]interface{}
	Destroy    []string
	IfInState  string
}

// SetResult mirrors a JMAP .../set response.
type SetResult struct {
	OldState    string
	NewState    string
	Created     map[string]map[string]interface{}
	Updated     map[string]map[string]interface{}
	Destroyed   []string
	NotCreated  map[string]*Error
	NotUpdated  map[string]*Error
	NotDestroyed map[string]*Error
}

func newSetResult() *SetResult {
	return &SetResult{
		Created:      make(map[string]map[string]interface{}),
		Updated:      make(map[string]map[string]interface{}),
		NotCreated:   make(map[string]*Error),
		NotUpdated:   make(map[string]*Error),
		NotDestroyed: make(map[string]*Error),
	}
}

// Set implements §4.5's set algorithm: creates, then updates (resolving
// "#localId" references against this batch's created ids), then destroys,
// all folded into one Raft command so the whole batch is atomic and
// produces at most one change-log entry per affected id.
func (c *Coordinator) Set(ctx context.Context, collection types.Collection, account types.AccountID, req *SetRequest, wait bool) (*SetResult, error) {
	kind, err := c.kindFor(collection)
	if err != nil {
		return nil, err
	}
	store := c.manager.Store()
	changeLog := c.manager.ChangeLog()

	unlock := store.Mutexes().Lock(kv.CollectionPrefix(account, collection))
	defer unlock()

	oldState, err := c.state(account, collection)
	if err != nil {
		return nil, err
	}
	if req.IfInState != "" {
		want, err := types.ParseStateToken(req.IfInState)
		if err != nil {
			return nil, newErr(ErrInvalidArgs, "malformed ifInState")
		}
		if want != oldState {
			return nil, newErr(ErrStateMismatch, fmt.Sprintf("expected %s, have %s", req.IfInState, oldState.String()))
		}
	}

	result := newSetResult()
	result.OldState = oldState.String()
	createdIDs := make(map[string]types.JMAPID)

	destroySet := make(map[string]struct{}, len(req.Destroy))
	for _, d := range req.Destroy {
		destroySet[d] = struct{}{}
	}

	idExists := func(account types.AccountID, collection types.Collection, id types.DocumentID) bool {
		_, found, err := orm.LoadDocument(store, account, collection, id)
		return err == nil && found
	}

	var mutations []raftlog.Mutation
	var tagOps []raftlog.TagOp
	delta := &changelog.Delta{}
	extraDeltas := make(map[types.Collection]*changelog.Delta)
	anyChange := false

	// Creates.
	createOrder := sortedKeys(req.Create)
	for _, localID := range createOrder {
		props := req.Create[localID]
		docID, err := c.allocateDocumentID(store, account, collection)
		if err != nil {
			result.NotCreated[localID] = internalError("allocate document id", err)
			continue
		}
		preparedProps, err := kind.PrepareCreate(c.blobs, account, props)
		if err != nil {
			result.NotCreated[localID] = newErr(ErrInvalidProperties, err.Error())
			continue
		}
		tinyORM := orm.New(account, collection, docID)
		if err := applyFullProperties(tinyORM, kind, preparedProps, createdIDs); err != nil {
			result.NotCreated[localID] = err.(*Error)
			continue
		}
		kind.SyncDerivedTags(tinyORM)
		tinyORM.ACLFinish()
		createRules := kind.ValidationRules(true)
		createRules.IDExists = idExists
		if err := tinyORM.Validate(createRules); err != nil {
			result.NotCreated[localID] = newErr(ErrInvalidProperties, err.Error())
			continue
		}
		if err := kind.ValidateSelf(store, account, docID, tinyORM); err != nil {
			result.NotCreated[localID] = newErr(ErrInvalidProperties, err.Error())
			continue
		}
		plan := tinyORM.Diff()
		planMutations, planTagOps, err := c.buildMutations(kind, account, collection, docID, plan, nil)
		if err != nil {
			result.NotCreated[localID] = internalError("build mutations", err)
			continue
		}
		mutations = append(mutations, planMutations...)
		tagOps = append(tagOps, planTagOps...)
		tagOps = append(tagOps, raftlog.TagOp{CF: kv.CFBitmaps, Key: kv.DocumentIDBitmapKey(account, collection), Value: uint32(docID)})

		extra, err := kind.AfterDiff(store, account, nil, plan)
		if err != nil {
			result.NotCreated[localID] = internalError("after-diff hook", err)
			continue
		}
		applyChildUpdates(delta, collection, extraDeltas, extra)

		jid := mapJMAPID(kind, account, docID, plan.Document)
		createdIDs[localID] = jid
		delta.Inserted = append(delta.Inserted, docID)
		anyChange = true
		result.Created[localID] = renderDocument(kind, plan.Document, append([]types.PropertyID{}, kind.DefaultProperties()...))
		result.Created[localID]["id"] = jid.String()
	}

	// Updates.
	updateOrder := sortedKeys(req.Update)
	for _, rawID := range updateOrder {
		patch := req.Update[rawID]
		if _, willDestroy := destroySet[rawID]; willDestroy {
			result.NotUpdated[rawID] = newErr(ErrWillDestroy, "id is also present in destroy")
			continue
		}
		jid, docID, perr := resolveTargetID(rawID, createdIDs)
		if perr != nil {
			result.NotUpdated[rawID] = perr
			continue
		}
		prev, found, err := orm.LoadDocument(store, account, collection, docID)
		if err != nil {
			result.NotUpdated[rawID] = internalError("load document", err)
			continue
		}
		if !found {
			result.NotUpdated[rawID] = newErr(ErrNotFound, "no such document")
			continue
		}
		tinyORM := orm.FromPrevious(prev)
		if err := applyPatch(tinyORM, kind, patch, createdIDs); err != nil {
			result.NotUpdated[rawID] = err.(*Error)
			continue
		}
		kind.SyncDerivedTags(tinyORM)
		tinyORM.ACLFinish()
		updateRules := kind.ValidationRules(false)
		updateRules.IDExists = idExists
		if err := tinyORM.Validate(updateRules); err != nil {
			result.NotUpdated[rawID] = newErr(ErrInvalidProperties, err.Error())
			continue
		}
		if err := kind.ValidateSelf(store, account, docID, tinyORM); err != nil {
			result.NotUpdated[rawID] = newErr(ErrInvalidProperties, err.Error())
			continue
		}
		plan := tinyORM.Diff()
		if plan.IsEmpty() {
			result.Updated[rawID] = map[string]interface{}{"id": jid.String()}
			continue
		}
		planMutations, planTagOps, err := c.buildMutations(kind, account, collection, docID, plan, prev)
		if err != nil {
			result.NotUpdated[rawID] = internalError("build mutations", err)
			continue
		}
		mutations = append(mutations, planMutations...)
		tagOps = append(tagOps, planTagOps...)

		extra, err := kind.AfterDiff(store, account, prev, plan)
		if err != nil {
			result.NotUpdated[rawID] = internalError("after-diff hook", err)
			continue
		}
		applyChildUpdates(delta, collection, extraDeltas, extra)

		delta.Updated = append(delta.Updated, docID)
		anyChange = true
		result.Updated[rawID] = map[string]interface{}{"id": jid.String()}
	}

	// Destroys.
	destroyOrder := append([]string(nil), req.Destroy...)
	sort.Strings(destroyOrder)
	for _, rawID := range destroyOrder {
		jid, docID, perr := resolveTargetID(rawID, createdIDs)
		if perr != nil {
			result.NotDestroyed[rawID] = perr
			continue
		}
		_, found, err := orm.LoadDocument(store, account, collection, docID)
		if err != nil {
			result.NotDestroyed[rawID] = internalError("load document", err)
			continue
		}
		if !found {
			result.NotDestroyed[rawID] = newErr(ErrNotFound, "no such document")
			continue
		}
		mutations = append(mutations, raftlog.Mutation{CF: kv.CFValues, Key: kv.ValuePrefix(account, collection, docID), Delete: true})
		tagOps = append(tagOps, raftlog.TagOp{CF: kv.CFBitmaps, Key: kv.DocumentIDBitmapKey(account, collection), Value: uint32(docID), Remove: true})
		delta.Destroyed = append(delta.Destroyed, docID)
		anyChange = true
		result.Destroyed = append(result.Destroyed, jid.String())
	}

	if !anyChange {
		result.NewState = oldState.String()
		return result, nil
	}

	cmd := raftlog.Command{
		Account:    account,
		Collection: collection,
		Mutations:  mutations,
		TagOps:     tagOps,
		Delta:      delta,
	}
	if len(extraDeltas) > 0 {
		cmd.ExtraDelta = extraDeltas
	}
	index, err := c.manager.Apply(cmd)
	if err != nil {
		log.WithAccount(uint32(account)).Error().Err(err).Str("collection", collection.String()).Msg("set: apply failed")
		return nil, internalError("apply command", err)
	}
	if wait {
		if err := c.manager.WaitForCommit(ctx, index); err != nil {
			return nil, newErr(ErrCommitTimeout, err.Error())
		}
	}

	newState, err := changeLog.State(account, collection)
	if err != nil {
		return nil, internalError("read new state", err)
	}
	result.NewState = types.StateToken{ChangeID: newState}.String()
	return result, nil
}

func sortedKeys(m map[string]map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func resolveTargetID(raw string, createdIDs map[string]types.JMAPID) (types.JMAPID, types.DocumentID, *Error) {
	if strings.HasPrefix(raw, "#") {
		jid, ok := createdIDs[raw[1:]]
		if !ok {
			return 0, 0, newErr(ErrInvalidArgs, fmt.Sprintf("unresolved reference %s", raw))
		}
		return jid, jid.Document(), nil
	}
	jid, err := types.ParseJMAPID(raw)
	if err != nil {
		return 0, 0, newErr(ErrInvalidArgs, fmt.Sprintf("malformed id %s", raw))
	}
	return jid, jid.Document(), nil
}

func mapJMAPID(kind ObjectKind, account types.AccountID, docID types.DocumentID, doc *types.Document) types.JMAPID {
	if mapper, ok := kind.IDMapper(account); ok {
		return mapper(docID)
	}
	return types.NewJMAPID(0, docID)
}

// applyChildUpdates folds an AfterDiff hook's reported ids into the write
// batch's change-log deltas: ids in the object kind's own collection join
// the primary delta, ids in any other collection (e.g. Mail's $seen
// toggle naming the containing Mailboxes) accumulate in extraDeltas,
// keyed by collection, for the command's ExtraDelta map.
func applyChildUpdates(delta *changelog.Delta, ownCollection types.Collection, extraDeltas map[types.Collection]*changelog.Delta, extra map[types.Collection][]types.DocumentID) {
	for coll, ids := range extra {
		if coll == ownCollection {
			delta.ChildUpdated = append(delta.ChildUpdated, ids...)
			continue
		}
		d, ok := extraDeltas[coll]
		if !ok {
			d = &changelog.Delta{}
			extraDeltas[coll] = d
		}
		d.ChildUpdated = append(d.ChildUpdated, ids...)
	}
}

// allocateDocumentID returns the lowest DocumentID, starting from 1, not
// currently marked live in the collection's document-id bitmap. Called only while the
// caller holds this (account, collection)'s striped mutex, so concurrent
// creates cannot race on the same candidate id.
func (c *Coordinator) allocateDocumentID(store *kv.Store, account types.AccountID, collection types.Collection) (types.DocumentID, error) {
	bm, err := store.GetBitmap(kv.CFBitmaps, kv.DocumentIDBitmapKey(account, collection))
	if err != nil {
		return 0, err
	}
	var candidate uint32 = 1
	for bm.Contains(candidate) {
		candidate++
	}
	return types.DocumentID(candidate), nil
}

// buildMutations translates a WritePlan into raw column-family mutations
// and bitmap tag operations. prev is nil on create; its Indexes map
// supplies the old sort-key bytes to remove when a field's value changes.
func (c *Coordinator) buildMutations(kind ObjectKind, account types.AccountID, collection types.Collection, docID types.DocumentID, plan *orm.WritePlan, prev *types.Document) ([]raftlog.Mutation, []raftlog.TagOp, error) {
	schema := kind.Properties()
	indexed := make(map[types.PropertyID]bool, len(schema))
	for _, s := range schema {
		indexed[s.Field] = s.Indexed
	}

	var mutations []raftlog.Mutation
	for _, pc := range plan.PropertyChanges {
		if prev != nil && indexed[pc.Field] {
			if _, ok := prev.Properties[pc.Field]; ok {
				oldKey := prev.Indexes[pc.Field]
				mutations = append(mutations, raftlog.Mutation{
					CF: kv.CFIndexes, Key: kv.IndexKey(account, collection, pc.Field, oldKey, docID), Delete: true,
				})
			}
		}
		switch pc.Op {
		case orm.OpClear:
			mutations = append(mutations, raftlog.Mutation{CF: kv.CFValues, Key: kv.ValueKey(account, collection, docID, pc.Field), Delete: true})
		case orm.OpSet:
			mutations = append(mutations, raftlog.Mutation{CF: kv.CFValues, Key: kv.ValueKey(account, collection, docID, pc.Field), Value: orm.EncodeValue(pc.Value)})
			if indexed[pc.Field] && pc.IndexKey != nil {
				mutations = append(mutations, raftlog.Mutation{CF: kv.CFIndexes, Key: kv.IndexKey(account, collection, pc.Field, pc.IndexKey, docID)})
			}
		}
	}

	// Each TagChange names a tag VALUE (e.g. a mailbox DocumentID); the
	// Bitmaps key it maps to holds the set of document ids carrying that
	// value, so the member flipped into/out of that bitmap is this
	// document's own id, not tc.Value.
	var tagOps []raftlog.TagOp
	for _, tc := range plan.TagChanges {
		tagOps = append(tagOps, raftlog.TagOp{
			CF:     kv.CFBitmaps,
			Key:    kv.BitmapKey(account, collection, tc.Field, tc.Value),
			Value:  uint32(docID),
			Remove: tc.Op == orm.OpClear,
		})
	}
	return mutations, tagOps, nil
}

// ---------------------------------------------------------------------
// changes
// ---------------------------------------------------------------------

// ChangesResult mirrors a JMAP .../changes response.
type ChangesResult struct {
	OldState      string
	NewState      string
	HasMoreChanges bool
	Created       []string
	Updated       []string
	Destroyed     []string
}

// Changes implements §4.5's changes algorithm by delegating the replay
// and collapse work to pkg/changelog, then rendering ids through the
// kind's IDMapper.
func (c *Coordinator) Changes(collection types.Collection, account types.AccountID, sinceState string, maxChanges int) (*ChangesResult, error) {
	kind, err := c.kindFor(collection)
	if err != nil {
		return nil, err
	}
	since, err := types.ParseStateToken(sinceState)
	if err != nil {
		return nil, newErr(ErrInvalidArgs, "malformed sinceState")
	}

	cs, err := c.manager.ChangeLog().RangeInclusive(account, collection, since.ChangeID+1, ^uint64(0), maxChanges)
	if err != nil {
		return nil, internalError("replay change log", err)
	}

	mapper, ok := kind.IDMapper(account)
	if !ok {
		mapper = func(id types.DocumentID) types.JMAPID { return types.NewJMAPID(0, id) }
	}
	render := func(ids []types.DocumentID) []string {
		out := make([]string, len(ids))
		for i, id := range ids {
			out[i] = mapper(id).String()
		}
		return out
	}

	newState := cs.ToChangeID
	if newState == 0 {
		newState = since.ChangeID
	}
	return &ChangesResult{
		OldState:       since.String(),
		NewState:       types.StateToken{ChangeID: newState}.String(),
		HasMoreChanges: cs.HasMore,
		Created:        render(cs.Created),
		Updated:        render(cs.Updated),
		Destroyed:      render(cs.Destroyed),
	}, nil
}
