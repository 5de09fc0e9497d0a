package chat

import (
	"testing"

	v1 "parley/shared/contracts/chat/v1"
)

func TestConversationKeySymmetry(t *testing.T) {
	t.Parallel()

	cases := []struct {
		a, b string
		want string
	}{
		{a: "alice", b: "bob", want: "alice:bob"},
		{a: "bob", b: "alice", want: "alice:bob"},
		{a: "zed", b: "amy", want: "amy:zed"},
		{a: "01A", b: "01B", want: "01A:01B"},
	}

	for _, tc := range cases {
		got := TargetFor(tc.b).ConversationKey(tc.a)
		rev := TargetFor(tc.a).ConversationKey(tc.b)
		if got != tc.want || rev != tc.want {
			t.Fatalf("ConversationKey(%q,%q)=%q / %q, want %q", tc.a, tc.b, got, rev, tc.want)
		}
	}
}

func TestTargetForGroup(t *testing.T) {
	t.Parallel()

	g := TargetFor(v1.GroupPeerID)
	if !g.IsGroup() {
		t.Fatal("expected group target")
	}
	if g.PeerID() != v1.GroupPeerID {
		t.Fatalf("group PeerID=%q", g.PeerID())
	}
	if got := g.ConversationKey("anyone"); got != GroupKey {
		t.Fatalf("group ConversationKey=%q want %q", got, GroupKey)
	}
}

func TestTargetForPrivate(t *testing.T) {
	t.Parallel()

	p := TargetFor("  bob ")
	if p.IsGroup() {
		t.Fatal("unexpected group target")
	}
	if p.PeerID() != "bob" {
		t.Fatalf("PeerID=%q want bob", p.PeerID())
	}
}
