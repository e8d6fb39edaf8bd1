package vault

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/aws/smithy-go"
	log "github.com/sirupsen/logrus"

	"github.com/wavenet/access-control-plane/internal/metrics"
)

const kmsPrefix = "kms1:"

type kmsAPI interface {
	GenerateDataKey(ctx context.Context, in *kms.GenerateDataKeyInput, optFns ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error)
	Decrypt(ctx context.Context, in *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// KMSSealer envelope-encrypts: every Seal asks KMS for a fresh data key and
// stores the KMS-wrapped key next to the ciphertext.
type KMSSealer struct {
	client kmsAPI
	keyID  string
	region string
}

func NewKMSSealer(ctx context.Context, region, keyID string) (*KMSSealer, error) {
	if strings.TrimSpace(keyID) == "" {
		return nil, fmt.Errorf("kms key id is required")
	}
	cfg, err := awscfg.LoadDefaultConfig(ctx, awscfg.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("aws config: %w", err)
	}
	return &KMSSealer{client: kms.NewFromConfig(cfg), keyID: keyID, region: region}, nil
}

func (s *KMSSealer) Seal(ctx context.Context, scope string, plaintext []byte) (string, error) {
	var out *kms.GenerateDataKeyOutput
	err := s.call(ctx, "generate_data_key", func(callCtx context.Context) error {
		var callErr error
		out, callErr = s.client.GenerateDataKey(callCtx, &kms.GenerateDataKeyInput{
			KeyId:             aws.String(s.keyID),
			KeySpec:           kmstypes.DataKeySpecAes256,
			EncryptionContext: map[string]string{"scope": scope},
		})
		return callErr
	})
	if err != nil {
		return "", fmt.Errorf("generate data key: %w", err)
	}
	blob, err := sealWithKey(out.Plaintext, scope, plaintext)
	clear(out.Plaintext)
	if err != nil {
		return "", err
	}
	return kmsPrefix + base64.StdEncoding.EncodeToString(out.CiphertextBlob) + ":" + base64.StdEncoding.EncodeToString(blob), nil
}

func (s *KMSSealer) Open(ctx context.Context, scope, sealed string) ([]byte, error) {
	wrapped, blob, err := splitEnvelope(sealed)
	if err != nil {
		return nil, err
	}
	var out *kms.DecryptOutput
	err = s.call(ctx, "decrypt", func(callCtx context.Context) error {
		var callErr error
		out, callErr = s.client.Decrypt(callCtx, &kms.DecryptInput{
			CiphertextBlob:    wrapped,
			KeyId:             aws.String(s.keyID),
			EncryptionContext: map[string]string{"scope": scope},
		})
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("decrypt data key: %w", err)
	}
	defer clear(out.Plaintext)
	return openWithKey(out.Plaintext, scope, blob)
}

func splitEnvelope(sealed string) ([]byte, []byte, error) {
	if !strings.HasPrefix(sealed, kmsPrefix) {
		return nil, nil, ErrMalformed
	}
	parts := strings.SplitN(strings.TrimPrefix(sealed, kmsPrefix), ":", 2)
	if len(parts) != 2 {
		return nil, nil, ErrMalformed
	}
	wrapped, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, nil, ErrMalformed
	}
	blob, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, nil, ErrMalformed
	}
	return wrapped, blob, nil
}

func (s *KMSSealer) call(ctx context.Context, op string, fn func(context.Context) error) error {
	start := time.Now()
	err := retryKMS(ctx, op, s.region, fn)
	status := "ok"
	if err != nil {
		status = "error"
	}
	labels := map[string]string{"op": op, "status": status}
	metrics.Default().IncCounter("access_kms_operations_total", labels)
	metrics.Default().ObserveHistogram("access_kms_operation_latency_ms", float64(time.Since(start).Milliseconds()), labels)
	return err
}

func retryKMS(ctx context.Context, op, region string, fn func(context.Context) error) error {
	const (
		maxAttempts = 4
		baseDelay   = 250 * time.Millisecond
		maxDelay    = 2 * time.Second
	)
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isTransientKMSError(err) {
			return err
		}
		if attempt == maxAttempts {
			metrics.Default().IncCounter("access_kms_retry_exhausted_total", map[string]string{"op": op})
			return err
		}
		metrics.Default().IncCounter("access_kms_retries_total", map[string]string{
			"op":     op,
			"reason": kmsErrorCode(err),
		})
		delay := baseDelay * time.Duration(1<<(attempt-1))
		if delay > maxDelay {
			delay = maxDelay
		}
		delay = jitter(delay)
		log.WithFields(log.Fields{
			"event":    "kms_retry",
			"op":       op,
			"region":   region,
			"attempt":  attempt,
			"delay_ms": delay.Milliseconds(),
		}).WithError(err).Warn("kms call failed, retrying")
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

// jitter returns a delay in [10% of d, 100% of d).
func jitter(d time.Duration) time.Duration {
	floor := d / 10
	span := uint64(d - floor)
	if span == 0 {
		return floor
	}
	var raw [8]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return floor + time.Duration(span/2)
	}
	return floor + time.Duration(binary.LittleEndian.Uint64(raw[:])%span)
}

func isTransientKMSError(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "ThrottlingException",
		"KMSInternalException",
		"DependencyTimeoutException",
		"ServiceUnavailable",
		"RequestTimeout",
		"InternalError":
		return true
	default:
		return false
	}
}

func kmsErrorCode(err error) string {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return "non_api_error"
	}
	code := strings.TrimSpace(apiErr.ErrorCode())
	if code == "" {
		return "unknown"
	}
	return code
}
