package orm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmap-core/jmapd/pkg/types"
)

const (
	propSubject types.PropertyID = 1
	propMailbox types.PropertyID = 2
)

func TestACLUpdateRemovesEmptyBitmap(t *testing.T) {
	list := ACLUpdate(nil, 1, types.PermissionRead)
	require.Len(t, list, 1)
	list = ACLUpdate(list, 1, 0)
	assert.Empty(t, list)
}

func TestACLSetFlipsSingleBit(t *testing.T) {
	list := ACLSet(nil, 1, types.PermissionRead, true)
	assert.True(t, ACLCheck(list, 1, types.PermissionRead))
	list = ACLSet(list, 1, types.PermissionWrite, true)
	assert.True(t, ACLCheck(list, 1, types.PermissionRead))
	assert.True(t, ACLCheck(list, 1, types.PermissionWrite))
	list = ACLSet(list, 1, types.PermissionRead, false)
	assert.False(t, ACLCheck(list, 1, types.PermissionRead))
	assert.True(t, ACLCheck(list, 1, types.PermissionWrite))
}

func TestACLFinishSortsByAccount(t *testing.T) {
	list := []types.ACLEntry{{Account: 3, Permissions: 1}, {Account: 1, Permissions: 1}}
	sorted := ACLFinish(list)
	assert.Equal(t, types.AccountID(1), sorted[0].Account)
	assert.Equal(t, types.AccountID(3), sorted[1].Account)
}

func TestGetChangedACLsReturnsUnionOfDifferingBitmaps(t *testing.T) {
	prev := []types.ACLEntry{{Account: 1, Permissions: types.PermissionRead}}
	current := []types.ACLEntry{{Account: 1, Permissions: types.PermissionWrite}, {Account: 2, Permissions: types.PermissionRead}}

	changed := GetChangedACLs(prev, current)
	require.Len(t, changed, 2)
	assert.Equal(t, types.PermissionRead|types.PermissionWrite, ACLPermissions(changed, 1))
	assert.Equal(t, types.PermissionRead, ACLPermissions(changed, 2))
}

func TestGetChangedACLsIgnoresUnchangedEntries(t *testing.T) {
	prev := []types.ACLEntry{{Account: 1, Permissions: types.PermissionRead}}
	current := []types.ACLEntry{{Account: 1, Permissions: types.PermissionRead}}
	assert.Empty(t, GetChangedACLs(prev, current))
}

func TestIndexKeyBytesOrdersNumbersCorrectly(t *testing.T) {
	neg := IndexKeyBytes(types.NumberValue(-5))
	zero := IndexKeyBytes(types.NumberValue(0))
	pos := IndexKeyBytes(types.NumberValue(5))
	assert.True(t, lessBytes(neg, zero))
	assert.True(t, lessBytes(zero, pos))
}

func lessBytes(a, b []byte) bool {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}

func TestTinyORMBuildValidateDiffOnCreate(t *testing.T) {
	o := New(1, types.CollectionMail, 10)
	o.SetProperty(propSubject, types.TextValue("hello"), true)
	o.Tag(propMailbox, 5)
	o.ACLUpdate(2, types.PermissionRead)
	o.ACLFinish()

	err := o.Validate(ValidationRules{Required: []types.PropertyID{propSubject}})
	require.NoError(t, err)

	plan := o.Diff()
	assert.Len(t, plan.PropertyChanges, 1)
	assert.Equal(t, OpSet, plan.PropertyChanges[0].Op)
	assert.Len(t, plan.TagChanges, 1)
	assert.Equal(t, OpSet, plan.TagChanges[0].Op)
	assert.Len(t, plan.ACLChanges, 1)
}

func TestTinyORMValidateRequiredFailsWhenMissing(t *testing.T) {
	o := New(1, types.CollectionMail, 10)
	err := o.Validate(ValidationRules{Required: []types.PropertyID{propSubject}})
	assert.Error(t, err)
}

func TestTinyORMDiffOnUpdateOnlyIncludesChangedFields(t *testing.T) {
	prev := types.NewDocument(1, types.CollectionMail, 10)
	prev.Properties[propSubject] = types.TextValue("old")
	prev.AddTag(propMailbox, 5)

	o := FromPrevious(prev)
	o.SetProperty(propSubject, types.TextValue("new"), true)
	o.ACLFinish()

	plan := o.Diff()
	require.Len(t, plan.PropertyChanges, 1)
	assert.Equal(t, propSubject, plan.PropertyChanges[0].Field)
	assert.Empty(t, plan.TagChanges, "untouched tag must not appear in the plan")
}

func TestTinyORMDiffDetectsClearedProperty(t *testing.T) {
	prev := types.NewDocument(1, types.CollectionMail, 10)
	prev.Properties[propSubject] = types.TextValue("old")

	o := FromPrevious(prev)
	o.ClearProperty(propSubject)
	o.ACLFinish()

	plan := o.Diff()
	require.Len(t, plan.PropertyChanges, 1)
	assert.Equal(t, OpClear, plan.PropertyChanges[0].Op)
}

func TestTinyORMValidateIDReferenceChecksExistence(t *testing.T) {
	o := New(1, types.CollectionMail, 10)
	o.SetProperty(propMailbox, types.IDValue(types.NewJMAPID(0, 99)), false)

	rules := ValidationRules{
		IDReferenceFields: map[types.PropertyID]types.Collection{propMailbox: types.CollectionMailbox},
		IDExists:          func(types.AccountID, types.Collection, types.DocumentID) bool { return false },
	}
	assert.Error(t, o.Validate(rules))
}
