package store

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/KingInYellow18/code-sub001/sdk/coordinator/auth"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	objectSuffix = ".json"
	sealedMagic  = "acx1"
)

// ObjectConfig describes an S3-compatible bucket.
type ObjectConfig struct {
	Endpoint  string
	Bucket    string
	Prefix    string
	AccessKey string
	SecretKey string
	UseSSL    bool
	// EncryptionKey seals payloads with XChaCha20-Poly1305 when set. It must be 32 bytes.
	EncryptionKey []byte
}

// ObjectStore keeps one object per provider under a prefix.
type ObjectStore struct {
	client *minio.Client
	bucket string
	prefix string
	sealer *sealer
}

// NewObjectStore connects to the bucket, creating it when missing.
func NewObjectStore(ctx context.Context, cfg ObjectConfig) (*ObjectStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create object storage client: %w", err)
	}
	var s *sealer
	if len(cfg.EncryptionKey) > 0 {
		if s, err = newSealer(cfg.EncryptionKey); err != nil {
			return nil, err
		}
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err = client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}
	return &ObjectStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix, sealer: s}, nil
}

// ParseEncryptionKey decodes a hex-encoded 32-byte key.
func ParseEncryptionKey(value string) ([]byte, error) {
	key, err := hex.DecodeString(strings.TrimSpace(value))
	if err != nil {
		return nil, fmt.Errorf("decode encryption key: %w", err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return key, nil
}

func (s *ObjectStore) objectKey(provider string) string {
	return path.Join(s.prefix, provider+objectSuffix)
}

// Load reads every object under the prefix.
func (s *ObjectStore) Load(ctx context.Context) (map[string]auth.Credential, error) {
	out := make(map[string]auth.Credential)
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: s.prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list credential objects: %w", obj.Err)
		}
		name := path.Base(obj.Key)
		if !strings.HasSuffix(name, objectSuffix) {
			continue
		}
		provider := strings.TrimSuffix(name, objectSuffix)
		data, err := s.read(ctx, obj.Key)
		if err != nil {
			return nil, err
		}
		payload, err := s.open(provider, data)
		if err != nil {
			log.WithField(auth.FieldProvider, provider).WithError(err).Warn("skipping unreadable credential object")
			continue
		}
		cred, err := auth.UnmarshalCredential(payload)
		if err != nil {
			log.WithField(auth.FieldProvider, provider).WithError(err).Warn("skipping unreadable credential object")
			continue
		}
		out[provider] = cred
	}
	return out, nil
}

func (s *ObjectStore) read(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get credential object: %w", err)
	}
	defer func() { _ = obj.Close() }()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read credential object: %w", err)
	}
	return data, nil
}

// Save writes the object for provider.
func (s *ObjectStore) Save(ctx context.Context, provider string, cred auth.Credential) error {
	payload, err := auth.MarshalCredential(cred)
	if err != nil {
		return err
	}
	data, err := s.seal(provider, payload)
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, s.bucket, s.objectKey(provider), bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return fmt.Errorf("put credential object: %w", err)
	}
	return nil
}

// Delete removes the object for provider. Missing objects are not an error.
func (s *ObjectStore) Delete(ctx context.Context, provider string) error {
	err := s.client.RemoveObject(ctx, s.bucket, s.objectKey(provider), minio.RemoveObjectOptions{})
	if err != nil && minio.ToErrorResponse(err).Code != "NoSuchKey" {
		return fmt.Errorf("remove credential object: %w", err)
	}
	return nil
}

func (s *ObjectStore) seal(provider string, payload []byte) ([]byte, error) {
	if s.sealer == nil {
		return payload, nil
	}
	return s.sealer.seal(provider, payload)
}

func (s *ObjectStore) open(provider string, data []byte) ([]byte, error) {
	if !bytes.HasPrefix(data, []byte(sealedMagic)) {
		return data, nil
	}
	if s.sealer == nil {
		return nil, errors.New("credential object is sealed but no encryption key is configured")
	}
	return s.sealer.open(provider, data)
}

// sealer binds each payload to its provider name as associated data.
type sealer struct {
	key []byte
}

func newSealer(key []byte) (*sealer, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes", chacha20poly1305.KeySize)
	}
	return &sealer{key: append([]byte(nil), key...)}, nil
}

func (s *sealer) seal(provider string, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err = rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	out := append([]byte(sealedMagic), nonce...)
	return aead.Seal(out, nonce, plaintext, []byte(provider)), nil
}

func (s *sealer) open(provider string, data []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	body := data[len(sealedMagic):]
	if len(body) < aead.NonceSize()+aead.Overhead() {
		return nil, errors.New("sealed credential is truncated")
	}
	nonce, ciphertext := body[:aead.NonceSize()], body[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, []byte(provider))
	if err != nil {
		return nil, errors.New("sealed credential failed authentication")
	}
	return plaintext, nil
}
