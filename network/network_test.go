package network

import (
	"testing"
	"time"

	"github.com/ac-dcz/flexible-hbbft/config"
	"github.com/ac-dcz/flexible-hbbft/messages"
	"github.com/ac-dcz/flexible-hbbft/store"
)

func testCommittee(n int) config.Committee {
	members := make([]config.Member, n)
	for i := 0; i < n; i++ {
		members[i] = config.Member{Id: config.NodeId{byte(i + 1)}, Stake: 1}
	}
	return config.Committee{Members: members}
}

func recvOrTimeout(t *testing.T, ch <-chan *messages.ConsensusMessage) *messages.ConsensusMessage {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for inbox delivery")
		return nil
	}
}

func TestBroadcastFansOutToEveryPeerIncludingSelf(t *testing.T) {
	committee := testCommittee(4)
	filters, err := NewLocalFilterSet(committee)
	if err != nil {
		t.Fatalf("NewLocalFilterSet: %v", err)
	}

	sender := committee.Members[0].Id
	msg := &messages.ConsensusMessage{
		Kind: messages.KindPrepare,
		Prepare: &messages.Prepare{
			Author: sender, Epoch: 1, Height: 2, Phase: messages.PreOne, Val: messages.Opt,
		},
	}
	if err := filters[sender].Broadcast(msg); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}

	for _, m := range committee.Members {
		got := recvOrTimeout(t, filters[m.Id].Inbox())
		if got.Prepare.Epoch != 1 || got.Prepare.Height != 2 {
			t.Fatalf("peer %v received wrong message: %+v", m.Id, got)
		}
	}
}

func TestDuplicateBroadcastIsDropped(t *testing.T) {
	committee := testCommittee(4)
	filters, err := NewLocalFilterSet(committee)
	if err != nil {
		t.Fatalf("NewLocalFilterSet: %v", err)
	}
	sender := committee.Members[0].Id
	msg := &messages.ConsensusMessage{
		Kind: messages.KindPrepare,
		Prepare: &messages.Prepare{
			Author: sender, Epoch: 3, Height: 0, Phase: messages.PreTwo, Val: messages.Pes,
		},
	}

	if err := filters[sender].Send(committee.Members[1].Id, msg); err != nil {
		t.Fatalf("first Send: %v", err)
	}
	recvOrTimeout(t, filters[committee.Members[1].Id].Inbox())

	if err := filters[sender].Send(committee.Members[1].Id, msg); err != nil {
		t.Fatalf("second Send: %v", err)
	}
	select {
	case got := <-filters[committee.Members[1].Id].Inbox():
		t.Fatalf("replayed message was delivered again: %+v", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSynchronizerBlockRequestPendingThenResolved(t *testing.T) {
	committee := testCommittee(4)
	filters, err := NewLocalFilterSet(committee)
	if err != nil {
		t.Fatalf("NewLocalFilterSet: %v", err)
	}

	requester := committee.Members[0].Id
	holder := committee.Members[1].Id

	requesterStore := store.NewMemory(committee)
	holderStore := store.NewMemory(committee)

	block := &messages.Block{Author: holder, Epoch: 0, Height: 1}
	if err := holderStore.Write(0, 1, block); err != nil {
		t.Fatalf("holderStore.Write: %v", err)
	}

	requesterSync := NewSynchronizer(requester, committee, requesterStore, filters[requester])
	holderSync := NewSynchronizer(holder, committee, holderStore, filters[holder])

	if _, err := requesterSync.BlockRequest(0, 1); err != ErrSyncPending {
		t.Fatalf("BlockRequest(missing) = %v, want ErrSyncPending", err)
	}

	// Every peer (including the holder) receives the broadcast SyncRequest.
	reqMsg := recvOrTimeout(t, filters[holder].Inbox())
	if reqMsg.Kind != messages.KindSyncRequest {
		t.Fatalf("holder received kind %v, want KindSyncRequest", reqMsg.Kind)
	}
	if err := holderSync.HandleSyncRequest(reqMsg.SyncRequest); err != nil {
		t.Fatalf("HandleSyncRequest: %v", err)
	}

	// The requester's own broadcast SyncRequest reaches its inbox ahead of the reply.
	ownReq := recvOrTimeout(t, filters[requester].Inbox())
	if ownReq.Kind != messages.KindSyncRequest {
		t.Fatalf("requester's first inbox message has kind %v, want its own KindSyncRequest", ownReq.Kind)
	}

	replyMsg := recvOrTimeout(t, filters[requester].Inbox())
	if replyMsg.Kind != messages.KindSyncReply {
		t.Fatalf("requester received kind %v, want KindSyncReply", replyMsg.Kind)
	}
	if err := requesterSync.HandleSyncReply(replyMsg.SyncReply); err != nil {
		t.Fatalf("HandleSyncReply: %v", err)
	}

	got, err := requesterSync.BlockRequest(0, 1)
	if err != nil {
		t.Fatalf("BlockRequest after sync: %v", err)
	}
	if got.Height != 1 || got.Author != holder {
		t.Fatalf("BlockRequest returned %+v, want the synced block", got)
	}
}

func TestHandleSyncRequestMissingBlockIsSilent(t *testing.T) {
	committee := testCommittee(4)
	filters, err := NewLocalFilterSet(committee)
	if err != nil {
		t.Fatalf("NewLocalFilterSet: %v", err)
	}
	holder := committee.Members[0].Id
	holderSync := NewSynchronizer(holder, committee, store.NewMemory(committee), filters[holder])

	req := &messages.SyncRequest{Epoch: 5, Height: 5, Sender: committee.Members[1].Id}
	if err := holderSync.HandleSyncRequest(req); err != nil {
		t.Fatalf("HandleSyncRequest(missing): %v", err)
	}
	select {
	case got := <-filters[committee.Members[1].Id].Inbox():
		t.Fatalf("unexpected reply for a block the holder never had: %+v", got)
	case <-time.After(50 * time.Millisecond):
	}
}
