package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	HTTPAddr string
	GRPCAddr string
	Database DatabaseConfig
	Redis    RedisConfig
	Fare     FareConfig
	Credit   CreditConfig
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

type RedisConfig struct {
	Host string
	Port int
}

type FareConfig struct {
	BasePrice  float64
	PerKmPrice float64
}

type CreditConfig struct {
	SweepInterval time.Duration
}

func Load() (*Config, error) {
	dbPort, _ := strconv.Atoi(getEnv("DB_PORT", "5432"))
	redisPort, _ := strconv.Atoi(getEnv("REDIS_PORT", "6379"))
	basePrice, _ := strconv.ParseFloat(getEnv("FARE_BASE_PRICE", "1000"), 64)
	perKmPrice, _ := strconv.ParseFloat(getEnv("FARE_PER_KM_PRICE", "500"), 64)
	sweepInterval, err := time.ParseDuration(getEnv("CREDIT_SWEEP_INTERVAL", "1h"))
	if err != nil {
		sweepInterval = time.Hour
	}

	return &Config{
		HTTPAddr: getEnv("HTTP_ADDR", ":8081"),
		GRPCAddr: getEnv("GRPC_ADDR", ":50052"),
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     dbPort,
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "delivery_db"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Host: getEnv("REDIS_HOST", "localhost"),
			Port: redisPort,
		},
		Fare: FareConfig{
			BasePrice:  basePrice,
			PerKmPrice: perKmPrice,
		},
		Credit: CreditConfig{
			SweepInterval: sweepInterval,
		},
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
