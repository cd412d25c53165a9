package api

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestSessionManager_CheckDuplicate(t *testing.T) {
	sm := NewSessionManager(16, 5*time.Minute)

	clientID := "client-1"

	// No duplicate for non-existent session
	resp, isDup := sm.CheckDuplicate(clientID, 1)
	if isDup || resp != nil {
		t.Error("expected no duplicate for non-existent session")
	}

	cached := &CachedResponse{Code: 200, Body: []byte("test")}
	sm.CacheResponse(clientID, 1, cached)

	resp, isDup = sm.CheckDuplicate(clientID, 1)
	if !isDup {
		t.Error("expected duplicate for same sequence")
	}
	if resp != cached {
		t.Error("expected cached response to be returned")
	}

	resp, isDup = sm.CheckDuplicate(clientID, 0)
	if !isDup {
		t.Error("expected duplicate for older sequence")
	}
	if resp != nil {
		t.Error("expected no response for older sequence")
	}

	if _, isDup := sm.CheckDuplicate(clientID, 2); isDup {
		t.Error("expected no duplicate for newer sequence")
	}
}

func TestSessionManager_CacheResponse(t *testing.T) {
	sm := NewSessionManager(16, 5*time.Minute)

	clientID := "client-1"
	resp1 := &CachedResponse{Code: 200, Body: []byte("v1")}
	resp3 := &CachedResponse{Code: 200, Body: []byte("v3")}

	sm.CacheResponse(clientID, 1, resp1)
	sm.CacheResponse(clientID, 3, resp3)

	// Older sequences must not replace the latest response
	sm.CacheResponse(clientID, 2, &CachedResponse{Code: 500})

	info := sm.GetSessionInfo(clientID)
	if info == nil {
		t.Fatal("expected session info")
	}
	if info.LastSequence != 3 {
		t.Errorf("expected last sequence 3, got %d", info.LastSequence)
	}
	if resp, _ := sm.CheckDuplicate(clientID, 3); resp != resp3 {
		t.Error("expected response to remain resp3")
	}
}

func TestSessionManager_Capacity(t *testing.T) {
	sm := NewSessionManager(2, 0)

	sm.CacheResponse("A", 1, &CachedResponse{Code: 200})
	sm.CacheResponse("B", 1, &CachedResponse{Code: 200})
	sm.CacheResponse("C", 1, &CachedResponse{Code: 200})

	if count := sm.SessionCount(); count != 2 {
		t.Errorf("expected 2 sessions, got %d", count)
	}
	if evictions := sm.Evictions(); evictions != 1 {
		t.Errorf("expected 1 eviction, got %d", evictions)
	}
	if info := sm.GetSessionInfo("A"); info != nil {
		t.Error("expected least recently used session to be evicted")
	}
	if info := sm.GetSessionInfo("C"); info == nil {
		t.Error("expected newest session to be kept")
	}
}

func TestSessionManager_Expiry(t *testing.T) {
	maxAge := 50 * time.Millisecond
	sm := NewSessionManager(16, maxAge)

	sm.CacheResponse("A", 1, &CachedResponse{Code: 200})
	time.Sleep(maxAge + 50*time.Millisecond)

	if _, isDup := sm.CheckDuplicate("A", 1); isDup {
		t.Error("expected expired session to be forgotten")
	}
	if count := sm.SessionCount(); count != 0 {
		t.Errorf("expected 0 sessions after expiry, got %d", count)
	}
}

func TestSessionManager_GetSessionInfo(t *testing.T) {
	sm := NewSessionManager(0, 0)

	if info := sm.GetSessionInfo("client-1"); info != nil {
		t.Error("expected nil info for non-existent session")
	}

	sm.CacheResponse("client-1", 5, &CachedResponse{Code: 200})

	info := sm.GetSessionInfo("client-1")
	if info == nil {
		t.Fatal("expected session info")
	}
	if info.ClientID != "client-1" {
		t.Errorf("expected client ID client-1, got %s", info.ClientID)
	}
	if info.LastSequence != 5 {
		t.Errorf("expected last sequence 5, got %d", info.LastSequence)
	}
	if info.CreatedAt.IsZero() || info.LastRequestTime.IsZero() {
		t.Error("expected timestamps to be set")
	}
}

func TestSessionManager_ConcurrentAccess(t *testing.T) {
	sm := NewSessionManager(64, 0)

	numClients := 10
	numRequests := 100

	var wg sync.WaitGroup
	for i := 0; i < numClients; i++ {
		wg.Add(1)
		go func(clientNum int) {
			defer wg.Done()
			clientID := fmt.Sprintf("client-%d", clientNum)
			for seq := uint64(1); seq <= uint64(numRequests); seq++ {
				sm.CacheResponse(clientID, seq, &CachedResponse{Code: 200})
				sm.CheckDuplicate(clientID, seq)
			}
		}(i)
	}
	wg.Wait()

	if count := sm.SessionCount(); count != numClients {
		t.Errorf("expected %d sessions, got %d", numClients, count)
	}
	for i := 0; i < numClients; i++ {
		info := sm.GetSessionInfo(fmt.Sprintf("client-%d", i))
		if info == nil || info.LastSequence != uint64(numRequests) {
			t.Errorf("client-%d: unexpected info %+v", i, info)
		}
	}
}
