package infra

import (
	"context"
	"fmt"
	"strings"

	kms "cloud.google.com/go/kms/apiv1"
	kmspb "cloud.google.com/go/kms/apiv1/kmspb"
)

type generateRandomBytesFunc func(ctx context.Context, req *kmspb.GenerateRandomBytesRequest) (*kmspb.GenerateRandomBytesResponse, error)

// KMSEntropy はCloud HSMの乱数生成をエントロピー供給元として使う。
type KMSEntropy struct {
	client   *kms.KeyManagementClient
	location string
	generate generateRandomBytesFunc
}

// NewKMSEntropy はKMSクライアントを生成する。
// location は "projects/{p}/locations/{l}" 形式、またはロケーション名のみ（プロジェクトはprojectIDで補う）。
func NewKMSEntropy(ctx context.Context, projectID, location string) (*KMSEntropy, error) {
	name, err := kmsLocationName(projectID, location)
	if err != nil {
		return nil, err
	}

	client, err := kms.NewKeyManagementClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating KMS client: %w", err)
	}

	return &KMSEntropy{
		client:   client,
		location: name,
		generate: func(ctx context.Context, req *kmspb.GenerateRandomBytesRequest) (*kmspb.GenerateRandomBytesResponse, error) {
			return client.GenerateRandomBytes(ctx, req)
		},
	}, nil
}

func kmsLocationName(projectID, location string) (string, error) {
	location = strings.TrimSpace(location)
	if location == "" {
		return "", fmt.Errorf("KMS_LOCATION is required for the kms entropy provider")
	}
	if strings.HasPrefix(location, "projects/") {
		return location, nil
	}
	if projectID == "" {
		return "", fmt.Errorf("GOOGLE_CLOUD_PROJECT is required when KMS_LOCATION is not a full resource name")
	}
	return "projects/" + projectID + "/locations/" + location, nil
}

// Generate はHSMでnバイトの乱数を生成する。
func (e *KMSEntropy) Generate(ctx context.Context, n int) ([]byte, error) {
	resp, err := e.generate(ctx, &kmspb.GenerateRandomBytesRequest{
		Location:        e.location,
		LengthBytes:     int32(n),
		ProtectionLevel: kmspb.ProtectionLevel_HSM,
	})
	if err != nil {
		return nil, fmt.Errorf("generating random bytes: %w", err)
	}
	if len(resp.GetData()) != n {
		return nil, fmt.Errorf("KMS returned %d bytes, want %d", len(resp.GetData()), n)
	}
	return resp.GetData(), nil
}

// Close はKMSクライアントを閉じる。
func (e *KMSEntropy) Close() error {
	if e.client == nil {
		return nil
	}
	return e.client.Close()
}
