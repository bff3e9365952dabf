// Copyright 2023 Kami
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

package buffer_test

import (
	"bytes"
	"testing"

	"github.com/veylon-io/reactor/buffer"
)

func TestBuffer_AppendRetrieve(t *testing.T) {
	b := buffer.New()

	if b.ReadableBytes() != 0 {
		t.Errorf("expected empty buffer, got %d readable bytes", b.ReadableBytes())
	}

	b.AppendString("hello world")
	if got := string(b.Peek()); got != "hello world" {
		t.Errorf("Peek() = %q, want %q", got, "hello world")
	}

	if got := b.RetrieveAsString(5); got != "hello" {
		t.Errorf("RetrieveAsString(5) = %q, want %q", got, "hello")
	}
	if got := string(b.Peek()); got != " world" {
		t.Errorf("Peek() after retrieve = %q, want %q", got, " world")
	}
}

func TestBuffer_RoundTrip(t *testing.T) {
	cases := [][]byte{
		[]byte(""),
		[]byte("x"),
		bytes.Repeat([]byte("ab"), 4096),
	}
	for _, want := range cases {
		b := buffer.New()
		b.Append(want)
		got := []byte(b.RetrieveAllString())
		if !bytes.Equal(got, want) {
			t.Errorf("round trip mismatch: got %d bytes, want %d bytes", len(got), len(want))
		}
	}
}

func TestBuffer_Prepend(t *testing.T) {
	b := buffer.New()
	b.AppendString("payload")

	header := []byte{0, 0, 0, 7}
	b.Prepend(header)

	want := append(append([]byte{}, header...), []byte("payload")...)
	if got := b.Peek(); !bytes.Equal(got, want) {
		t.Errorf("Peek() after Prepend = %q, want %q", got, want)
	}
}

func TestBuffer_EnsureWritableAfterRetrievingEverything(t *testing.T) {
	b := buffer.New()
	b.AppendString("seed")
	b.Retrieve(4)

	// Retrieving every readable byte resets the indices, so the initial
	// writable capacity already covers the request.
	b.EnsureWritable(buffer.InitialSize - 1)
	if b.WritableBytes() < buffer.InitialSize-1 {
		t.Errorf("WritableBytes() = %d, want >= %d", b.WritableBytes(), buffer.InitialSize-1)
	}
}

func TestBuffer_RetrieveAllResetsIndices(t *testing.T) {
	b := buffer.New()
	b.AppendString("data")
	b.RetrieveAll()

	if b.ReadableBytes() != 0 {
		t.Errorf("ReadableBytes() = %d, want 0", b.ReadableBytes())
	}
	if b.PrependableBytes() != buffer.CheapPrepend {
		t.Errorf("PrependableBytes() = %d, want %d", b.PrependableBytes(), buffer.CheapPrepend)
	}
}
