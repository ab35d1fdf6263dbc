// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ava-labs/vatkernel/vat"
	"github.com/ava-labs/vatkernel/vats"
)

func TestWorkerFlags(t *testing.T) {
	require := require.New(t)

	v, err := getViper([]string{"--builder", vats.CounterName, "--params", "start=3,step=2"})
	require.NoError(err)
	require.Equal(vats.CounterName, v.GetString(builderKey))
	require.Equal(map[string]string{"start": "3", "step": "2"}, v.GetStringMapString(paramsKey))
	require.Equal("info", v.GetString(logLevelKey))

	_, ok := vat.Lookup(v.GetString(builderKey))
	require.True(ok)
}
