package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/totoapp/delivery-core/internal/config"
	"github.com/totoapp/delivery-core/internal/model"
)

const cacheTTL = 24 * time.Hour

type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(config config.RedisConfig) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", config.Host, config.Port),
		Password: "", // no password set
		DB:       0,  // use default DB
	})

	_, err := client.Ping(context.Background()).Result()
	if err != nil {
		return nil, err
	}

	return &RedisCache{client: client}, nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) CacheDelivery(ctx context.Context, delivery *model.Delivery) error {
	key := fmt.Sprintf("delivery:%s", delivery.ID)
	data, err := json.Marshal(delivery)
	if err != nil {
		return err
	}

	return c.client.Set(ctx, key, data, cacheTTL).Err()
}

func (c *RedisCache) GetCachedDelivery(ctx context.Context, deliveryID string) (*model.Delivery, error) {
	key := fmt.Sprintf("delivery:%s", deliveryID)
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil // Cache miss
		}
		return nil, err
	}

	var delivery model.Delivery
	if err := json.Unmarshal(data, &delivery); err != nil {
		return nil, err
	}

	return &delivery, nil
}

func (c *RedisCache) InvalidateDelivery(ctx context.Context, deliveryID string) error {
	key := fmt.Sprintf("delivery:%s", deliveryID)
	return c.client.Del(ctx, key).Err()
}

func (c *RedisCache) CacheActiveAccount(ctx context.Context, account *model.CreditAccount) error {
	key := fmt.Sprintf("credit_account:%s", account.CourierID)
	data, err := json.Marshal(account)
	if err != nil {
		return err
	}

	return c.client.Set(ctx, key, data, cacheTTL).Err()
}

func (c *RedisCache) GetCachedActiveAccount(ctx context.Context, courierID string) (*model.CreditAccount, error) {
	key := fmt.Sprintf("credit_account:%s", courierID)
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil // Cache miss
		}
		return nil, err
	}

	var account model.CreditAccount
	if err := json.Unmarshal(data, &account); err != nil {
		return nil, err
	}

	return &account, nil
}

func (c *RedisCache) InvalidateActiveAccount(ctx context.Context, courierID string) error {
	key := fmt.Sprintf("credit_account:%s", courierID)
	return c.client.Del(ctx, key).Err()
}
