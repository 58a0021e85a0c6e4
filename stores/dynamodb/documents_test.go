package dynamodb

import (
	"collabdocs-server/core"
	"collabdocs-server/stores/storetest"
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

var (
	existsClause = regexp.MustCompile(`^attribute_(not_)?exists\s*(#\w+)$`)
	equalClause  = regexp.MustCompile(`^(#\w+)\s*=\s*(:\w+)$`)
)

type item = map[string]types.AttributeValue

// fakeTable is a single-table DynamoDB stand-in. It understands the
// condition shapes the store builds: attribute_exists, attribute_not_exists
// and equality, joined by AND; and SET-only update expressions.
type fakeTable struct {
	mu       sync.Mutex
	items    map[string]item
	pageSize int
	scanErr  error
}

func newFakeTable() *fakeTable {
	return &fakeTable{items: make(map[string]item), pageSize: 2}
}

func idOf(key item) string {
	if s, ok := key["id"].(*types.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}

func equalValues(a, b types.AttributeValue) bool {
	switch av := a.(type) {
	case *types.AttributeValueMemberS:
		bv, ok := b.(*types.AttributeValueMemberS)
		return ok && av.Value == bv.Value
	case *types.AttributeValueMemberN:
		bv, ok := b.(*types.AttributeValueMemberN)
		return ok && av.Value == bv.Value
	}
	return false
}

func stripParens(s string) string {
	return strings.TrimSpace(strings.NewReplacer("(", "", ")", "").Replace(s))
}

func evalCondition(t *testing.T, cond *string, names map[string]string, values item, current item) bool {
	if cond == nil {
		return true
	}
	for _, clause := range strings.Split(*cond, " AND ") {
		clause = stripParens(clause)
		if m := existsClause.FindStringSubmatch(clause); m != nil {
			_, present := current[names[m[2]]]
			if present == (m[1] == "not_") {
				return false
			}
			continue
		}
		if m := equalClause.FindStringSubmatch(clause); m != nil {
			if !equalValues(current[names[m[1]]], values[m[2]]) {
				return false
			}
			continue
		}
		t.Fatalf("fakeTable: unsupported condition clause %q", clause)
	}
	return true
}

func copyItem(in item) item {
	out := make(item, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

type fakeClient struct {
	t *testing.T
	*fakeTable
}

func (f fakeClient) GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	current, ok := f.items[idOf(params.Key)]
	if !ok {
		return &dynamodb.GetItemOutput{}, nil
	}
	return &dynamodb.GetItemOutput{Item: copyItem(current)}, nil
}

func (f fakeClient) PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := idOf(params.Item)
	if !evalCondition(f.t, params.ConditionExpression, params.ExpressionAttributeNames, params.ExpressionAttributeValues, f.items[id]) {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
	}
	f.items[id] = copyItem(params.Item)
	return &dynamodb.PutItemOutput{}, nil
}

func (f fakeClient) UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := idOf(params.Key)
	current := f.items[id]
	if !evalCondition(f.t, params.ConditionExpression, params.ExpressionAttributeNames, params.ExpressionAttributeValues, current) {
		ccf := &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
		if params.ReturnValuesOnConditionCheckFailure == types.ReturnValuesOnConditionCheckFailureAllOld && current != nil {
			ccf.Item = copyItem(current)
		}
		return nil, ccf
	}

	updated := copyItem(current)
	updated["id"] = params.Key["id"]
	expr := strings.TrimSpace(aws.ToString(params.UpdateExpression))
	if !strings.HasPrefix(expr, "SET ") {
		f.t.Fatalf("fakeTable: unsupported update expression %q", expr)
	}
	for _, assignment := range strings.Split(strings.TrimPrefix(expr, "SET "), ",") {
		m := equalClause.FindStringSubmatch(strings.TrimSpace(assignment))
		if m == nil {
			f.t.Fatalf("fakeTable: unsupported assignment %q", assignment)
		}
		updated[params.ExpressionAttributeNames[m[1]]] = params.ExpressionAttributeValues[m[2]]
	}
	f.items[id] = updated
	return &dynamodb.UpdateItemOutput{Attributes: copyItem(updated)}, nil
}

func (f fakeClient) DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := idOf(params.Key)
	if !evalCondition(f.t, params.ConditionExpression, params.ExpressionAttributeNames, params.ExpressionAttributeValues, f.items[id]) {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
	}
	delete(f.items, id)
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f fakeClient) Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.scanErr != nil {
		return nil, f.scanErr
	}

	ids := make([]string, 0, len(f.items))
	for id := range f.items {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	start := 0
	if params.ExclusiveStartKey != nil {
		start = sort.SearchStrings(ids, idOf(params.ExclusiveStartKey)) + 1
	}
	end := start + f.pageSize
	if end > len(ids) {
		end = len(ids)
	}

	out := &dynamodb.ScanOutput{}
	for _, id := range ids[start:end] {
		out.Items = append(out.Items, copyItem(f.items[id]))
	}
	if end < len(ids) {
		out.LastEvaluatedKey = key(ids[end-1])
	}
	return out, nil
}

func setupTestTable(t *testing.T) (*documentStore, *fakeTable) {
	t.Helper()
	table := newFakeTable()
	return newDocumentStore(fakeClient{t: t, fakeTable: table}, "documents"), table
}

func TestDocumentStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) core.DocumentStore {
		store, _ := setupTestTable(t)
		return store
	})
}

func TestCreate_ItemShape(t *testing.T) {
	store, table := setupTestTable(t)

	doc, err := store.Create(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	stored, ok := table.items[doc.ID]
	if !ok {
		t.Fatalf("Create() did not write item %s", doc.ID)
	}
	for _, attr := range []string{"id", "content", "version", "createdAt", "updatedAt"} {
		if _, ok := stored[attr]; !ok {
			t.Errorf("stored item missing attribute %q", attr)
		}
	}
	if v, ok := stored["version"].(*types.AttributeValueMemberN); !ok || v.Value != "0" {
		t.Errorf("version attribute: got %#v, want N 0", stored["version"])
	}
}

func TestList_FollowsPagination(t *testing.T) {
	store, _ := setupTestTable(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := store.Create(ctx, fmt.Sprintf("doc %d", i)); err != nil {
			t.Fatalf("Create() failed: %v", err)
		}
	}

	docs, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(docs) != 5 {
		t.Errorf("List() returned %d documents, want 5", len(docs))
	}
}

func TestList_ScanError(t *testing.T) {
	store, table := setupTestTable(t)
	table.scanErr = errors.New("throttled")

	if _, err := store.List(context.Background()); err == nil {
		t.Error("List() should surface scan errors")
	}
}

func TestEmptyID(t *testing.T) {
	store, _ := setupTestTable(t)
	ctx := context.Background()

	if _, err := store.FindID(ctx, ""); !errors.Is(err, core.ErrDocumentNotFound) {
		t.Errorf("FindID(\"\"): got %v, want ErrDocumentNotFound", err)
	}
	if _, err := store.CompareAndWrite(ctx, "", 0, "x"); !errors.Is(err, core.ErrDocumentNotFound) {
		t.Errorf("CompareAndWrite(\"\"): got %v, want ErrDocumentNotFound", err)
	}
	if err := store.Delete(ctx, ""); !errors.Is(err, core.ErrDocumentNotFound) {
		t.Errorf("Delete(\"\"): got %v, want ErrDocumentNotFound", err)
	}
}
