package credentials

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"

	"github.com/fuomag9/square-bridge/internal/apierror"
)

// SecretsManagerAPI is the subset of the Secrets Manager client used here.
type SecretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// SecretsManagerSource reads credentials from a JSON SecretString.
type SecretsManagerSource struct {
	client   SecretsManagerAPI
	secretID string
}

// NewSecretsManagerSource creates a source for secretID.
func NewSecretsManagerSource(client SecretsManagerAPI, secretID string) *SecretsManagerSource {
	return &SecretsManagerSource{client: client, secretID: secretID}
}

type secretPayload struct {
	ApplicationID     string `json:"SQUARE_APPLICATION_ID"`
	ApplicationSecret string `json:"SQUARE_APPLICATION_SECRET"`
	WebhookSigningKey string `json:"SQUARE_WEBHOOK_SIGNATURE_KEY"`
}

// Fetch implements Source
func (s *SecretsManagerSource) Fetch(ctx context.Context) (Credentials, error) {
	out, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(s.secretID),
	})
	if err != nil {
		return Credentials{}, fmt.Errorf("get secret %s: %w", s.secretID, err)
	}
	if out.SecretString == nil {
		return Credentials{}, apierror.New(apierror.KindCredentials, "secret has no string value")
	}

	var payload secretPayload
	if err := json.Unmarshal([]byte(aws.ToString(out.SecretString)), &payload); err != nil {
		return Credentials{}, apierror.Wrap(apierror.KindCredentials, err, "secret is not valid JSON")
	}

	return Credentials{
		ApplicationID:     payload.ApplicationID,
		ApplicationSecret: payload.ApplicationSecret,
		WebhookSigningKey: payload.WebhookSigningKey,
	}, nil
}
