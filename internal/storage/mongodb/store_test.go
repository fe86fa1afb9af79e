package mongodb

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/datafusion/fleetrpa/internal/models"
	"github.com/datafusion/fleetrpa/internal/storage"
)

func TestConfigValidate(t *testing.T) {
	t.Run("默认配置有效", func(t *testing.T) {
		assert.NoError(t, DefaultConfig().Validate())
	})

	t.Run("补齐默认值", func(t *testing.T) {
		c := &Config{URI: "mongodb://db:27017", Database: "x"}
		assert.NoError(t, c.Validate())
		assert.Equal(t, 10*time.Second, c.Timeout)
		assert.Equal(t, uint64(50), c.MaxPoolSize)
	})

	t.Run("缺少必填项", func(t *testing.T) {
		assert.Error(t, (&Config{Database: "x"}).Validate())
		assert.Error(t, (&Config{URI: "mongodb://db"}).Validate())
		assert.Error(t, (&Config{URI: "mongodb://db", Database: "x", MinPoolSize: 10, MaxPoolSize: 5}).Validate())
	})
}

func TestExecutionFilter(t *testing.T) {
	assert.Equal(t, bson.M{}, executionFilter(storage.ExecutionFilter{Limit: 5}))

	f := executionFilter(storage.ExecutionFilter{
		ScheduleID: "s1",
		PartnerID:  "p1",
		Statuses:   storage.NonTerminal,
	})
	assert.Equal(t, "s1", f["schedule_id"])
	assert.Equal(t, "p1", f["partner_id"])
	assert.Equal(t, bson.M{"$in": []models.ExecutionStatus{models.StatusPending, models.StatusRunning}}, f["status"])
	assert.NotContains(t, f, "provider_id")
}

func TestSessionID(t *testing.T) {
	assert.Equal(t, "p1/uber", sessionID("p1", "uber"))
}
