package store

import (
	"fmt"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Driver identifiers supported for code stores.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
)

// Dependencies captures external handles required by certain drivers.
type Dependencies struct {
	SQLiteDB *gorm.DB
	Redis    *redis.Client
}

// NewCodeStore creates a code store based on the provided configuration.
func NewCodeStore[T Expirable](cfg Config, deps Dependencies) (CodeStore[T], error) {
	if cfg.Namespace == "" {
		return nil, fmt.Errorf("code store namespace required")
	}
	driver := cfg.Driver
	if driver == "" {
		driver = DriverMemory
	}

	switch driver {
	case DriverMemory:
		return NewMemory[T](cfg), nil
	case DriverSQLite:
		if deps.SQLiteDB == nil {
			return nil, fmt.Errorf("sqlite driver requires database handle")
		}
		return NewSQLiteCodes[T](deps.SQLiteDB, cfg)
	case DriverRedis:
		client := deps.Redis
		if client == nil {
			var err error
			if client, err = NewRedisClient(cfg.Redis); err != nil {
				return nil, err
			}
		}
		return NewRedis[T](client, cfg), nil
	default:
		return nil, fmt.Errorf("unsupported code store driver: %s", driver)
	}
}
