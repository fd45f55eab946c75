package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	t.Run("defaults without a file", func(t *testing.T) {
		cfg, err := Load("")
		require.NoError(t, err)

		assert.Equal(t, "relay", cfg.Node.ServiceName)
		assert.Equal(t, 2201, cfg.Listener.Port)
		assert.Equal(t, "memory", cfg.Store.Driver)
		assert.Equal(t, 5*time.Second, cfg.Sender.ConnectTimeout)
		assert.Equal(t, 5*time.Second, cfg.Sender.ProtocolTimeout)
		assert.Equal(t, 3, cfg.Retries.MaxAttempts)
	})

	t.Run("reads yaml", func(t *testing.T) {
		path := writeConfig(t, `
node:
  service_name: billing
  node_id: billing-1
listener:
  port: 2301
  queues: [orders, replies]
durability:
  scheduled_jobs_polling: 2s
store:
  driver: sqlite
  dsn: /tmp/relay.db
publishing:
  - message_type: order-placed
    destination: tcp://localhost:2302/orders
validation:
  schemas:
    order-placed: schemas/order-placed.json
`)

		cfg, err := Load(path)
		require.NoError(t, err)

		assert.Equal(t, "billing", cfg.Node.ServiceName)
		assert.Equal(t, "billing-1", cfg.Node.NodeID)
		assert.Equal(t, 2301, cfg.Listener.Port)
		assert.Equal(t, []string{"orders", "replies"}, cfg.Listener.Queues)
		assert.Equal(t, 2*time.Second, cfg.Durability.ScheduledJobsPolling)
		assert.Equal(t, "sqlite", cfg.Store.Driver)
		assert.Equal(t, map[string]string{"order-placed": "schemas/order-placed.json"}, cfg.Validation.Schemas)
		require.Len(t, cfg.Publishing, 1)
		assert.Equal(t, "order-placed", cfg.Publishing[0].MessageType)
	})

	t.Run("environment overrides file", func(t *testing.T) {
		t.Setenv("RELAY_NODE_SERVICE_NAME", "from-env")
		t.Setenv("RELAY_LISTENER_PORT", "2999")

		cfg, err := Load(writeConfig(t, "node:\n  service_name: from-file\n"))
		require.NoError(t, err)

		assert.Equal(t, "from-env", cfg.Node.ServiceName)
		assert.Equal(t, 2999, cfg.Listener.Port)
	})

	t.Run("missing file fails", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		assert.Error(t, err)
	})

	t.Run("invalid values fail validation", func(t *testing.T) {
		_, err := Load(writeConfig(t, "store:\n  driver: mongo\n"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "store.driver")
	})
}

func TestValidate(t *testing.T) {
	t.Run("Default is valid", func(t *testing.T) {
		assert.NoError(t, Validate(Default()))
	})

	t.Run("reports every violation", func(t *testing.T) {
		cfg := Default()
		cfg.Listener.Port = 0
		cfg.Worker.MaxConcurrency = 0
		cfg.Store.Driver = "postgres"
		cfg.Publishing = []PublishingRule{{MessageType: "", Destination: "no-scheme"}}

		err := Validate(cfg)
		require.Error(t, err)
		for _, field := range []string{"listener.port", "worker.max_concurrency", "store.dsn", "publishing[0].message_type", "publishing[0].destination"} {
			assert.Contains(t, err.Error(), field)
		}
	})

	t.Run("disabled listener needs no port", func(t *testing.T) {
		cfg := Default()
		cfg.Listener.Enabled = false
		cfg.Listener.Port = 0

		assert.NoError(t, Validate(cfg))
	})
}
