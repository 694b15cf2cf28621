package kss_test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agrisense-io/agrisense/core/kss"
)

func TestLocalFilesystemRoundtrip(t *testing.T) {
	dir, err := os.MkdirTemp("", "kss")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	driver, err := kss.NewLocalFilesystem(kss.LocalConfiguration{BasePath: dir})
	require.NoError(t, err)

	ctx := context.Background()
	err = driver.Put(ctx, "images/abc/one.jpg", []byte("binary data"))
	require.NoError(t, err)

	data, err := driver.Get(ctx, "images/abc/one.jpg")
	require.NoError(t, err)
	assert.Equal(t, []byte("binary data"), data)

	err = driver.Delete(ctx, "images/abc/one.jpg")
	require.NoError(t, err)
	_, err = driver.Get(ctx, "images/abc/one.jpg")
	assert.Error(t, err)

	// delete is idempotent
	assert.NoError(t, driver.Delete(ctx, "images/abc/one.jpg"))
}

func TestLocalFilesystemDeleteAllWithPrefix(t *testing.T) {
	dir, err := os.MkdirTemp("", "kss")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	driver, err := kss.NewLocalFilesystem(kss.LocalConfiguration{BasePath: dir})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, driver.Put(ctx, "images/abc/one.jpg", []byte("one")))
	require.NoError(t, driver.Put(ctx, "images/abc/two.jpg", []byte("two")))
	require.NoError(t, driver.Put(ctx, "images/xyz/three.jpg", []byte("three")))

	require.NoError(t, driver.DeleteAllWithPrefix(ctx, "images/abc"))

	_, err = driver.Get(ctx, "images/abc/one.jpg")
	assert.Error(t, err)
	data, err := driver.Get(ctx, "images/xyz/three.jpg")
	require.NoError(t, err)
	assert.Equal(t, []byte("three"), data)
}

func TestLocalFilesystemRejectsEscapingKeys(t *testing.T) {
	dir, err := os.MkdirTemp("", "kss")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	driver, err := kss.NewLocalFilesystem(kss.LocalConfiguration{BasePath: dir})
	require.NoError(t, err)

	err = driver.Put(context.Background(), "../escape", []byte("nope"))
	assert.Error(t, err)
}
