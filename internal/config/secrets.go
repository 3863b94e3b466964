package config

import (
	"context"
	"os"
	"time"

	infisical "github.com/infisical/go-sdk"
	"github.com/rs/zerolog/log"
)

const defaultInfisicalSite = "https://app.infisical.com"

// loadSecrets fills blank secret fields from Infisical when universal auth
// credentials are present in the environment. Values already set win.
func loadSecrets(cfg *Config) {
	clientID := os.Getenv("INFISICAL_CLIENT_ID")
	clientSecret := os.Getenv("INFISICAL_CLIENT_SECRET")
	if clientID == "" || clientSecret == "" {
		return
	}

	projectID := os.Getenv("INFISICAL_PROJECT_ID")
	if projectID == "" {
		log.Warn().Msg("INFISICAL_PROJECT_ID not set, skipping infisical")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client := infisical.NewInfisicalClient(ctx, infisical.Config{
		SiteUrl:          envOr("INFISICAL_SITE_URL", defaultInfisicalSite),
		AutoTokenRefresh: false,
	})

	if _, err := client.Auth().UniversalAuthLogin(clientID, clientSecret); err != nil {
		log.Error().Err(err).Msg("infisical auth failed")
		return
	}

	envSlug := envOr("INFISICAL_ENV", "prod")
	for key, target := range secretTargets(cfg) {
		if *target != "" {
			continue
		}
		secret, err := client.Secrets().Retrieve(infisical.RetrieveSecretOptions{
			SecretKey:   key,
			Environment: envSlug,
			ProjectID:   projectID,
			SecretPath:  "/",
		})
		if err != nil {
			log.Warn().Err(err).Str("key", key).Msg("failed to retrieve secret from infisical")
			continue
		}
		*target = secret.SecretValue
		log.Info().Str("key", key).Msg("loaded secret from infisical")
	}
}

func secretTargets(cfg *Config) map[string]*string {
	return map[string]*string{
		"DATABASE_DSN":           &cfg.Database.DSN,
		"REDIS_PASSWORD":         &cfg.Redis.Password,
		"JWT_SECRET":             &cfg.Auth.JWTSecret,
		"ADMIN_TOKEN":            &cfg.Auth.AdminToken,
		"GOTIFY_TOKEN":           &cfg.Alerting.Gotify.Token,
		"AMQP_URL":               &cfg.Alerting.AMQP.URL,
		"SOURCE_CREDENTIALS_KEY": &cfg.Secrets.CredentialsKey,
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
