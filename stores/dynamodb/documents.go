package dynamodb

import (
	"collabdocs-server/core"
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

type tableAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// documentItem is the table row. The partition key is id.
type documentItem struct {
	ID        string    `dynamodbav:"id"`
	Content   string    `dynamodbav:"content"`
	Version   int64     `dynamodbav:"version"`
	CreatedAt time.Time `dynamodbav:"createdAt"`
	UpdatedAt time.Time `dynamodbav:"updatedAt"`
}

func (i documentItem) document() *core.Document {
	return &core.Document{
		ID:        i.ID,
		Content:   i.Content,
		Version:   i.Version,
		CreatedAt: i.CreatedAt,
		UpdatedAt: i.UpdatedAt,
	}
}

type documentStore struct {
	client    tableAPI
	tableName string
}

// NewDocumentStore keeps documents in a DynamoDB table whose partition key is
// the string attribute "id". Writes are guarded by a condition on the version
// attribute.
func NewDocumentStore(tableName string) core.DocumentStore {
	cfg, err := config.LoadDefaultConfig(context.TODO())
	if err != nil {
		log.Fatalf("unable to load SDK config, %v", err)
	}
	return newDocumentStore(dynamodb.NewFromConfig(cfg), tableName)
}

func newDocumentStore(client tableAPI, tableName string) *documentStore {
	return &documentStore{client: client, tableName: tableName}
}

func key(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"id": &types.AttributeValueMemberS{Value: id},
	}
}

func (s *documentStore) FindID(ctx context.Context, id string) (*core.Document, error) {
	log := logrus.WithField("document_id", id)
	if id == "" {
		return nil, fmt.Errorf("document with id %s: %w", id, core.ErrDocumentNotFound)
	}

	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            key(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		log.WithError(err).Error("Failed to retrieve document")
		return nil, fmt.Errorf("failed to get document with id %s: %w", id, err)
	}
	if len(out.Item) == 0 {
		log.WithField("error", "document not found").Warn("Document with specified ID not found")
		return nil, fmt.Errorf("document with id %s: %w", id, core.ErrDocumentNotFound)
	}

	var item documentItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal document %s: %w", id, err)
	}
	return item.document(), nil
}

func (s *documentStore) Create(ctx context.Context, content string) (*core.Document, error) {
	now := time.Now().UTC()
	item := documentItem{
		ID:        ulid.Make().String(),
		Content:   content,
		CreatedAt: now,
		UpdatedAt: now,
	}

	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal document: %w", err)
	}
	expr, err := expression.NewBuilder().
		WithCondition(expression.Name("id").AttributeNotExists()).
		Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build expression: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                aws.String(s.tableName),
		Item:                     av,
		ConditionExpression:      expr.Condition(),
		ExpressionAttributeNames: expr.Names(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to save document: %w", err)
	}

	logrus.WithField("document_id", item.ID).Info("Document created successfully")
	return item.document(), nil
}

// CompareAndWrite updates the item only while it still carries
// expectedVersion. A failed condition returns the old item, which tells a
// missing document apart from a stale version without a second read.
func (s *documentStore) CompareAndWrite(ctx context.Context, id string, expectedVersion int64, content string) (*core.Document, error) {
	log := logrus.WithFields(logrus.Fields{
		"document_id":      id,
		"expected_version": expectedVersion,
	})
	if id == "" {
		return nil, fmt.Errorf("document with id %s: %w", id, core.ErrDocumentNotFound)
	}

	update := expression.
		Set(expression.Name("content"), expression.Value(content)).
		Set(expression.Name("version"), expression.Value(expectedVersion+1)).
		Set(expression.Name("updatedAt"), expression.Value(time.Now().UTC()))
	condition := expression.Name("id").AttributeExists().
		And(expression.Name("version").Equal(expression.Value(expectedVersion)))

	expr, err := expression.NewBuilder().
		WithUpdate(update).
		WithCondition(condition).
		Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build expression: %w", err)
	}

	out, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                           aws.String(s.tableName),
		Key:                                 key(id),
		UpdateExpression:                    expr.Update(),
		ConditionExpression:                 expr.Condition(),
		ExpressionAttributeNames:            expr.Names(),
		ExpressionAttributeValues:           expr.Values(),
		ReturnValues:                        types.ReturnValueAllNew,
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			if len(ccf.Item) == 0 {
				log.Warn("Document with specified ID not found")
				return nil, fmt.Errorf("document with id %s: %w", id, core.ErrDocumentNotFound)
			}
			log.Debug("Version mismatch on write")
			return nil, fmt.Errorf("document with id %s: %w", id, core.ErrVersionMismatch)
		}
		log.WithError(err).Error("Failed to write document")
		return nil, fmt.Errorf("failed to update document %s: %w", id, err)
	}

	var item documentItem
	if err := attributevalue.UnmarshalMap(out.Attributes, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal document %s: %w", id, err)
	}

	log.WithField("version", item.Version).Debug("Document written")
	return item.document(), nil
}

func (s *documentStore) List(ctx context.Context) ([]core.Document, error) {
	paginator := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
		TableName:      aws.String(s.tableName),
		ConsistentRead: aws.Bool(true),
	})

	docs := make([]core.Document, 0)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to scan documents: %w", err)
		}
		var items []documentItem
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &items); err != nil {
			return nil, fmt.Errorf("failed to unmarshal documents: %w", err)
		}
		for _, item := range items {
			docs = append(docs, *item.document())
		}
	}

	sort.Slice(docs, func(i, j int) bool {
		if docs[i].UpdatedAt.Equal(docs[j].UpdatedAt) {
			return docs[i].ID > docs[j].ID
		}
		return docs[i].UpdatedAt.After(docs[j].UpdatedAt)
	})
	return docs, nil
}

func (s *documentStore) Delete(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("document with id %s: %w", id, core.ErrDocumentNotFound)
	}
	expr, err := expression.NewBuilder().
		WithCondition(expression.Name("id").AttributeExists()).
		Build()
	if err != nil {
		return fmt.Errorf("failed to build expression: %w", err)
	}

	_, err = s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:                aws.String(s.tableName),
		Key:                      key(id),
		ConditionExpression:      expr.Condition(),
		ExpressionAttributeNames: expr.Names(),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return fmt.Errorf("document with id %s: %w", id, core.ErrDocumentNotFound)
		}
		return fmt.Errorf("failed to delete document %s: %w", id, err)
	}

	logrus.WithField("document_id", id).Info("Document deleted successfully")
	return nil
}
