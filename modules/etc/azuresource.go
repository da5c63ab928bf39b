package etc

import (
	"bytes"
	"context"
	"io"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/pkg/errors"
)

// AzureBlobSource fetches a pack's bytes from an Azure Storage
// container, one blob per (name, version), for organizations that
// centralize monitoring packs in object storage instead of a local
// file tree.
type AzureBlobSource struct {
	Client        *azblob.Client
	ContainerName string
	// BlobName maps (name, version) to the blob path within
	// ContainerName; defaults to "<name>/<version>.json".
	BlobName func(name, version string) string
}

func (a AzureBlobSource) Fetch(ctx context.Context, name, version string) ([]byte, error) {
	blob := name + "/" + version + ".json"
	if a.BlobName != nil {
		blob = a.BlobName(name, version)
	}
	resp, err := a.Client.DownloadStream(ctx, a.ContainerName, blob, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "etc: download pack blob %s/%s", a.ContainerName, blob)
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, resp.Body); err != nil {
		return nil, errors.Wrap(err, "etc: read pack blob body")
	}
	return buf.Bytes(), nil
}
