// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package errors

import (
	"errors"
	"testing"
)

func TestErrorMessage(t *testing.T) {
	err := New(KindNotFound, "zone \"office\" not found")
	if err.Error() != "zone \"office\" not found" {
		t.Errorf("got %q", err.Error())
	}

	wrapped := Wrap(err, KindInternal, "commit aborted")
	if wrapped.Error() != `commit aborted: zone "office" not found` {
		t.Errorf("got %q", wrapped.Error())
	}
}

func TestErrorfFormatsMessage(t *testing.T) {
	err := Errorf(KindAlreadyExists, "dispatcher %q already exists", "d1")
	if err.Error() != `dispatcher "d1" already exists` {
		t.Errorf("got %q", err.Error())
	}
}

func TestGetKind(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"direct", New(KindTransactionConflict, "peer already open"), KindTransactionConflict},
		{"wrapped", Wrap(New(KindNotFound, "x"), KindInternal, "y"), KindInternal},
		{"stdlib error", errors.New("not ours"), KindUnknown},
		{"nil", nil, KindUnknown},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := GetKind(c.err); got != c.want {
				t.Errorf("GetKind() = %v, want %v", got, c.want)
			}
		})
	}
}

func TestAttrPromotesPlainError(t *testing.T) {
	plain := errors.New("dial failed")
	withAttr := Attr(plain, "peer", uint64(7))

	if GetKind(withAttr) != KindInternal {
		t.Errorf("expected a plain error promoted via Attr to carry KindInternal, got %v", GetKind(withAttr))
	}
	if GetAttributes(withAttr)["peer"] != uint64(7) {
		t.Errorf("attribute not recorded: %v", GetAttributes(withAttr))
	}
}

func TestGetAttributesMergesChain(t *testing.T) {
	err := New(KindNotFound, "service not found")
	err = Attr(err, "service", "web")

	wrapped := Wrap(err, KindInternal, "relink failed")
	wrapped = Attr(wrapped, "dispatcher", "d1")

	attrs := GetAttributes(wrapped)
	if attrs["service"] != "web" || attrs["dispatcher"] != "d1" {
		t.Fatalf("expected both chain levels' attributes, got %v", attrs)
	}
}

func TestAttrDoesNotOverrideOuterOnCollision(t *testing.T) {
	inner := Attr(New(KindNotFound, "inner"), "name", "base-value")
	outer := Wrap(inner, KindInternal, "outer")
	outer = Attr(outer, "name", "outer-value")

	if got := GetAttributes(outer)["name"]; got != "outer-value" {
		t.Errorf("outer attribute should win on collision, got %v", got)
	}
}

func TestKindString(t *testing.T) {
	cases := map[Kind]string{
		KindInternal:            "internal",
		KindInvalidArgument:     "invalid_argument",
		KindNotFound:            "not_found",
		KindAlreadyExists:       "already_exists",
		KindNoTransaction:       "no_transaction",
		KindTransactionConflict: "transaction_conflict",
		KindOutOfMemory:         "out_of_memory",
		KindUnknown:             "unknown",
		Kind(99):                "unknown",
	}
	for k, want := range cases {
		if got := k.String(); got != want {
			t.Errorf("Kind(%d).String() = %q, want %q", k, got, want)
		}
	}
}

func TestWrapOfNilIsNil(t *testing.T) {
	if Wrap(nil, KindInternal, "msg") != nil {
		t.Error("Wrap(nil, ...) should return nil")
	}
	if Wrapf(nil, KindInternal, "msg %d", 1) != nil {
		t.Error("Wrapf(nil, ...) should return nil")
	}
	if Attr(nil, "k", "v") != nil {
		t.Error("Attr(nil, ...) should return nil")
	}
}
