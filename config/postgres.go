package config

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// PostgresConfig defines the configuration for connecting to a PostgreSQL database.
type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
	TimeZone string `mapstructure:"timezone"`

	// SSM names the Parameter Store entries holding prod credentials.
	SSM SSMParams `mapstructure:"ssm"`

	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type SSMParams struct {
	Host     string `mapstructure:"host"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
}

// DSN builds the connection string. In prod the host and credentials come
// from AWS SSM Parameter Store instead of the config file.
func (cfg *PostgresConfig) DSN(ctx context.Context, env string) (string, error) {
	if env != "prod" {
		return cfg.dsn(cfg.Host, cfg.User, cfg.Password, cfg.DBName), nil
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return "", fmt.Errorf("load aws config: %w", err)
	}
	client := ssm.NewFromConfig(awsCfg)

	var vals [3]string
	for i, name := range []string{cfg.SSM.Host, cfg.SSM.User, cfg.SSM.Password} {
		v, err := getParameterStoreValue(ctx, client, name, true)
		if err != nil {
			return "", err
		}
		vals[i] = v
	}
	return cfg.dsn(vals[0], vals[1], vals[2], cfg.DBName), nil
}

// AdminDSN targets the maintenance database, used to create DBName.
func (cfg *PostgresConfig) AdminDSN() string {
	return cfg.dsn(cfg.Host, cfg.User, cfg.Password, "postgres")
}

func (cfg *PostgresConfig) dsn(host, user, password, dbname string) string {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		host, cfg.Port, user, password, dbname, cfg.SSLMode,
	)
	if cfg.TimeZone != "" {
		dsn += fmt.Sprintf(" TimeZone=%s", cfg.TimeZone)
	}
	return dsn
}

func getParameterStoreValue(ctx context.Context, client *ssm.Client, name string, decrypt bool) (string, error) {
	result, err := client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           &name,
		WithDecryption: &decrypt,
	})
	if err != nil {
		return "", fmt.Errorf("ssm get %s: %w", name, err)
	}
	if result.Parameter == nil || result.Parameter.Value == nil {
		return "", fmt.Errorf("ssm parameter %s has no value", name)
	}
	return *result.Parameter.Value, nil
}
