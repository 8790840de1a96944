package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// ObjectStoreCredentials become DuckDB secrets so that cube SQL can read
// s3://, gs:// and az:// paths, e.g. read_parquet('s3://bucket/orders/*.parquet').
type ObjectStoreCredentials struct {
	S3KeyID    string
	S3Secret   string
	S3Endpoint string
	S3Region   string
	S3URLStyle string

	GCSKeyFile string

	AzureAccountName string
	AzureAccountKey  string
}

// secretStatements returns one CREATE SECRET per configured store.
func (c ObjectStoreCredentials) secretStatements() []string {
	var out []string
	if c.S3KeyID != "" || c.S3Region != "" || c.S3Endpoint != "" {
		opts := []string{"TYPE S3"}
		opts = appendOpt(opts, "KEY_ID", c.S3KeyID)
		opts = appendOpt(opts, "SECRET", c.S3Secret)
		opts = appendOpt(opts, "ENDPOINT", c.S3Endpoint)
		opts = appendOpt(opts, "REGION", c.S3Region)
		opts = appendOpt(opts, "URL_STYLE", c.S3URLStyle)
		out = append(out, createSecret("semantic_s3", opts))
	}
	if c.GCSKeyFile != "" {
		out = append(out, createSecret("semantic_gcs", []string{"TYPE GCS", "KEY_FILE_PATH " + quoteLiteral(c.GCSKeyFile)}))
	}
	if c.AzureAccountName != "" {
		opts := []string{"TYPE AZURE"}
		opts = appendOpt(opts, "ACCOUNT_NAME", c.AzureAccountName)
		opts = appendOpt(opts, "ACCOUNT_KEY", c.AzureAccountKey)
		out = append(out, createSecret("semantic_azure", opts))
	}
	return out
}

// CreateSecrets registers the configured credentials with db.
func CreateSecrets(ctx context.Context, db *sql.DB, c ObjectStoreCredentials) error {
	for _, stmt := range c.secretStatements() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			name := strings.Fields(stmt)[4]
			return fmt.Errorf("create secret %s: %w", name, err)
		}
	}
	return nil
}

func createSecret(name string, opts []string) string {
	return fmt.Sprintf("CREATE OR REPLACE SECRET %s (\n\t%s\n)", quoteIdentifier(name), strings.Join(opts, ",\n\t"))
}

func appendOpt(opts []string, key, value string) []string {
	if value == "" {
		return opts
	}
	return append(opts, key+" "+quoteLiteral(value))
}

func quoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func quoteLiteral(value string) string {
	return "'" + strings.ReplaceAll(value, "'", "''") + "'"
}
