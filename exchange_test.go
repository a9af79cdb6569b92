// Copyright 2026 The Zaparoo Project Contributors.
// SPDX-License-Identifier: Apache-2.0
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cardemu_test

import (
	"testing"

	cardemu "github.com/ZaparooProject/go-cardemu"
	testutil "github.com/ZaparooProject/go-cardemu/internal/testing"
	"github.com/ZaparooProject/go-cardemu/pkg/atr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoCard answers every 5 byte header with the INS byte, the same
// header again and 90 00, a minimal T=0 application.
func echoCard(t *testing.T, b *atr.Builder) (*harness, *[]byte) {
	t.Helper()
	var header []byte
	var h *harness
	h = newHarness(t, func(cfg *cardemu.Config) {
		if b != nil {
			withATR(t, b)(cfg)
		}
		cfg.RxHandler = func(_ uint8, v byte) {
			header = append(header, v)
			if len(header) < 5 {
				return
			}
			resp := append([]byte{header[1]}, header...)
			resp = append(resp, 0x90, 0x00)
			header = header[:0]
			assert.NoError(t, h.card.Enqueue(resp))
		}
	})
	return h, &header
}

func TestExchange_NoisyLine(t *testing.T) {
	t.Parallel()

	for _, seed := range []uint64{1, 2, 3, 42, 1234} {
		h, _ := echoCard(t, atr.NewBuilder().WithFiDi(0x1, 0x3))
		noisy := testutil.NewNoisyReader(h.reader, testutil.NoiseConfig{
			Seed:        seed,
			RxErrorRate: 0.3,
			TxErrorRate: 0.3,
			MaxBurst:    2,
		})

		_, err := h.reader.ColdReset()
		require.NoError(t, err)

		resp, err := noisy.SendPPS([]byte{0xFF, 0x10, 0x13, 0xFC})
		require.NoError(t, err, "seed %d", seed)
		assert.Equal(t, []byte{0xFF, 0x10, 0x13, 0xFC}, resp, "seed %d", seed)

		for i := 0; i < 20; i++ {
			cmd := []byte{0x00, byte(0xB0 + i%4), byte(i), 0x00, 0x10}
			require.NoError(t, noisy.Send(cmd...), "seed %d", seed)
			got, err := noisy.PumpTx()
			require.NoError(t, err, "seed %d", seed)

			want := append([]byte{cmd[1]}, cmd...)
			want = append(want, 0x90, 0x00)
			assert.Equal(t, want, got, "seed %d exchange %d", seed, i)
		}

		rx, tx := noisy.Errors()
		assert.Positive(t, rx+tx, "seed %d injected no noise", seed)
		st := h.card.Status()
		assert.Equal(t, uint32(rx), st.RxParityErrors)
		assert.Equal(t, uint32(tx), st.TxParityErrors)
		assert.Equal(t, cardemu.PhaseTPDUExchange, st.Phase)
		assert.Equal(t, uint8(4), st.D)
	}
}

func TestExchange_WarmResetMidResponse(t *testing.T) {
	t.Parallel()
	h, header := echoCard(t, nil)
	h.activate(t)
	*header = (*header)[:0]

	require.NoError(t, h.reader.Send(0x00, 0xCA, 0x9F, 0x7F, 0x00))
	sent, err := h.card.TxByte()
	require.NoError(t, err)
	require.True(t, sent)

	got, err := h.reader.WarmReset()
	require.NoError(t, err)
	assert.Equal(t, atr.Default().Bytes(), got, "partial response discarded")

	require.NoError(t, h.reader.Send(0x00, 0xCA, 0x9F, 0x7F, 0x00))
	got, err = h.reader.PumpTx()
	require.NoError(t, err)
	assert.Equal(t, []byte{0xCA, 0x00, 0xCA, 0x9F, 0x7F, 0x00, 0x90, 0x00}, got)
}
