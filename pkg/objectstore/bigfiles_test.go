// Copyright (C) 2025 Datavision Labs.
// See LICENSE for copying information.

package objectstore_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/datavision-labs/easystore/internal/testcontext"
	"github.com/datavision-labs/easystore/pkg/objectstore"
	"github.com/datavision-labs/easystore/pkg/objectstore/teststore"
)

func TestBigFilesRoundTrip(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store := teststore.New()
	big := objectstore.NewBigFiles(store, "archive", "des")

	key, err := big.Put(ctx, "C0001", "report.pdf", []byte("payload"))
	require.NoError(t, err)
	require.Equal(t, "des/_bigFiles/C0001/report.pdf", key)

	data, err := big.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, "payload", string(data))
}

func TestBigFilesKeyEncoding(t *testing.T) {
	big := objectstore.NewBigFiles(teststore.New(), "archive", "")

	// names with separators and non-ASCII are percent-encoded
	require.Equal(t, "_bigFiles/C1/a%2Fb.txt", big.Key("C1", "a/b.txt"))
	require.Equal(t, "_bigFiles/C1/za%C5%BC%C3%B3%C5%82%C4%87", big.Key("C1", "zażółć"))
	require.Equal(t, "_bigFiles/C1/plain.bin", big.Key("C1", "plain.bin"))
}
