package jmap

import (
	"fmt"
	"strings"

	"github.com/jmap-core/jmapd/pkg/orm"
	"github.com/jmap-core/jmapd/pkg/types"
)

// applyFullProperties sets every property in props on a brand-new TinyORM
// (a create), each decoded as a full-replacement value per its schema.
func applyFullProperties(o *orm.TinyORM, kind ObjectKind, props map[string]interface{}, createdIDs map[string]types.JMAPID) error {
	schema := kind.Properties()
	for name, raw := range props {
		if name == "id" {
			continue
		}
		s, ok := schema[name]
		if !ok {
			return newPropErr(ErrInvalidProperties, name, "unknown property")
		}
		if err := setFullValue(o, s, raw, createdIDs); err != nil {
			return err
		}
	}
	return nil
}

// applyPatch applies one set-update's JSON-pointer-like patch object,
// per §4.5: a bare property name with a map value is a full replacement;
// a "field/key" path with a boolean (or null) value is a single-entry
// set/clear against that field's tag set.
func applyPatch(o *orm.TinyORM, kind ObjectKind, patch map[string]interface{}, createdIDs map[string]types.JMAPID) error {
	schema := kind.Properties()
	for path, raw := range patch {
		if idx := strings.IndexByte(path, '/'); idx >= 0 {
			name, key := path[:idx], path[idx+1:]
			s, ok := schema[name]
			if !ok {
				return newPropErr(ErrInvalidPatch, path, "unknown property")
			}
			if err := applySingleEntry(o, s, key, raw, createdIDs); err != nil {
				return err
			}
			continue
		}
		s, ok := schema[path]
		if !ok {
			return newPropErr(ErrInvalidProperties, path, "unknown property")
		}
		if err := setFullValue(o, s, raw, createdIDs); err != nil {
			return err
		}
	}
	return nil
}

// setFullValue decodes raw as a complete replacement for schema's
// property, rebuilding tag membership from scratch when the field is
// tagged (mailboxIds).
func setFullValue(o *orm.TinyORM, s PropertySchema, raw interface{}, createdIDs map[string]types.JMAPID) error {
	switch s.Kind {
	case types.KindText:
		v, ok := raw.(string)
		if !ok {
			return newPropErr(ErrInvalidProperties, "", "expected string")
		}
		o.SetProperty(s.Field, types.TextValue(v), s.Indexed)
	case types.KindBool:
		v, ok := raw.(bool)
		if !ok {
			return newPropErr(ErrInvalidProperties, "", "expected boolean")
		}
		o.SetProperty(s.Field, types.BoolValue(v), s.Indexed)
	case types.KindNumber:
		v, ok := raw.(float64)
		if !ok {
			return newPropErr(ErrInvalidProperties, "", "expected number")
		}
		o.SetProperty(s.Field, types.NumberValue(v), s.Indexed)
	case types.KindID:
		v, ok := raw.(string)
		if !ok {
			return newPropErr(ErrInvalidProperties, "", "expected id string")
		}
		jid, err := resolveRef(v, createdIDs)
		if err != nil {
			return err
		}
		o.SetProperty(s.Field, types.IDValue(jid), s.Indexed)
	case types.KindIDList, types.KindTextList:
		return setFullMap(o, s, raw, createdIDs)
	default:
		return newPropErr(ErrInvalidProperties, "", "unsupported property kind")
	}
	return nil
}

// setFullMap decodes a {key: true, ...} map into a tagged multi-valued
// property, replacing its entire tag set. IDList keys are JMAPID strings
// (or "#localId" refs) resolved to their DocumentID tag value; TextList
// keys (e.g. keywords) are used verbatim and are not hashed into tags —
// see DESIGN.md for why keyword tag-bitmap membership was dropped.
func setFullMap(o *orm.TinyORM, s PropertySchema, raw interface{}, createdIDs map[string]types.JMAPID) error {
	m, ok := raw.(map[string]interface{})
	if !ok {
		return newPropErr(ErrInvalidProperties, "", "expected object map")
	}
	if existing, ok := o.Document().Tags[s.Field]; ok {
		for v := range existing {
			o.Untag(s.Field, v)
		}
	}

	if s.Kind == types.KindTextList {
		keys := make([]string, 0, len(m))
		for k, v := range m {
			on, _ := v.(bool)
			if on {
				keys = append(keys, k)
			}
		}
		o.SetProperty(s.Field, types.TextListValue(keys), s.Indexed)
		return nil
	}

	var ids []types.JMAPID
	for k, v := range m {
		on, _ := v.(bool)
		if !on {
			continue
		}
		jid, err := resolveRef(k, createdIDs)
		if err != nil {
			return err
		}
		ids = append(ids, jid)
		if s.Tagged {
			o.Tag(s.Field, uint32(jid.Document()))
		}
	}
	o.SetProperty(s.Field, types.IDListValue(ids), s.Indexed)
	return nil
}

// applySingleEntry handles a "field/key" path patch: true adds key to
// field's set, false or null removes it.
func applySingleEntry(o *orm.TinyORM, s PropertySchema, key string, raw interface{}, createdIDs map[string]types.JMAPID) error {
	add := false
	if raw != nil {
		b, ok := raw.(bool)
		if !ok {
			return newPropErr(ErrInvalidPatch, key, "expected boolean or null")
		}
		add = b
	}

	switch s.Kind {
	case types.KindTextList:
		current := o.Document().Properties[s.Field]
		set := map[string]struct{}{}
		for _, k := range current.TxtList {
			set[k] = struct{}{}
		}
		if add {
			set[key] = struct{}{}
		} else {
			delete(set, key)
		}
		list := make([]string, 0, len(set))
		for k := range set {
			list = append(list, k)
		}
		o.SetProperty(s.Field, types.TextListValue(list), s.Indexed)
		return nil
	case types.KindIDList:
		jid, err := resolveRef(key, createdIDs)
		if err != nil {
			return err
		}
		current := o.Document().Properties[s.Field]
		var ids []types.JMAPID
		found := false
		for _, id := range current.IDList {
			if id == jid {
				found = true
				if !add {
					continue
				}
			}
			ids = append(ids, id)
		}
		if add && !found {
			ids = append(ids, jid)
		}
		o.SetProperty(s.Field, types.IDListValue(ids), s.Indexed)
		if s.Tagged {
			if add {
				o.Tag(s.Field, uint32(jid.Document()))
			} else {
				o.Untag(s.Field, uint32(jid.Document()))
			}
		}
		return nil
	default:
		return newPropErr(ErrInvalidPatch, key, "property does not support single-entry patches")
	}
}

func resolveRef(raw string, createdIDs map[string]types.JMAPID) (types.JMAPID, error) {
	if strings.HasPrefix(raw, "#") {
		jid, ok := createdIDs[raw[1:]]
		if !ok {
			return 0, newErr(ErrInvalidArgs, fmt.Sprintf("unresolved reference %s", raw))
		}
		return jid, nil
	}
	jid, err := types.ParseJMAPID(raw)
	if err != nil {
		return 0, newErr(ErrInvalidProperties, fmt.Sprintf("malformed id %s", raw))
	}
	return jid, nil
}
