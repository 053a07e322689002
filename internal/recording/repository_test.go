package recording

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"recording-synth/internal/timeline"
)

func repositories(t *testing.T) map[string]func(t *testing.T) Repository {
	return map[string]func(t *testing.T) Repository{
		"memory": func(t *testing.T) Repository { return NewInMemoryRepository() },
		"sqlite": func(t *testing.T) Repository {
			repo, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "recordings.db"))
			if err != nil {
				t.Fatalf("OpenSQLite: %v", err)
			}
			t.Cleanup(func() { repo.Close() })
			return repo
		},
	}
}

func newSession(t *testing.T, repo Repository, id SessionID) {
	t.Helper()
	s := Session{ID: id, State: StateActive, CreatedAt: time.UnixMilli(1_700_000_000_000).UTC()}
	if err := repo.CreateSession(context.Background(), s); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
}

func TestRepository_session_roundtrip(t *testing.T) {
	for name, open := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			repo := open(t)
			ctx := context.Background()
			newSession(t, repo, "s1")

			got, err := repo.GetSession(ctx, "s1")
			if err != nil {
				t.Fatalf("GetSession: %v", err)
			}
			if got.State != StateActive {
				t.Errorf("state = %s, want active", got.State)
			}
			if got.CreatedAt.UnixMilli() != 1_700_000_000_000 {
				t.Errorf("created_at = %v", got.CreatedAt)
			}

			if _, err := repo.GetSession(ctx, "missing"); !errors.Is(err, ErrSessionNotFound) {
				t.Errorf("missing session: expected ErrSessionNotFound, got %v", err)
			}
		})
	}
}

func TestRepository_segments_ordered(t *testing.T) {
	for name, open := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			repo := open(t)
			ctx := context.Background()
			newSession(t, repo, "s1")

			for _, seg := range []timeline.Segment{
				{Channel: timeline.ChannelScreen, StartMs: 3000, EndMs: 5000, Path: "/b"},
				{Channel: timeline.ChannelAudio, StartMs: 0, EndMs: 1000, Path: "/c"},
				{Channel: timeline.ChannelScreen, StartMs: 0, EndMs: 2000, Path: "/a"},
			} {
				if err := repo.AddSegment(ctx, "s1", seg); err != nil {
					t.Fatalf("AddSegment: %v", err)
				}
			}

			segs, err := repo.ListSegments(ctx, "s1")
			if err != nil {
				t.Fatalf("ListSegments: %v", err)
			}
			want := []string{"/c", "/a", "/b"}
			if len(segs) != len(want) {
				t.Fatalf("got %d segments, want %d", len(segs), len(want))
			}
			for i, p := range want {
				if segs[i].Path != p {
					t.Errorf("segment %d path = %s, want %s", i, segs[i].Path, p)
				}
			}
		})
	}
}

func TestRepository_input_shape_conflict(t *testing.T) {
	for name, open := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			repo := open(t)
			ctx := context.Background()
			newSession(t, repo, "s1")

			if err := repo.AddSegment(ctx, "s1", timeline.Segment{Channel: timeline.ChannelScreen, StartMs: 0, EndMs: 10, Path: "/a"}); err != nil {
				t.Fatalf("AddSegment: %v", err)
			}
			if err := repo.SetTrack(ctx, "s1", timeline.ChannelScreen, "/t"); !errors.Is(err, ErrInputShapeConflict) {
				t.Errorf("track after segments: expected ErrInputShapeConflict, got %v", err)
			}

			if err := repo.SetTrack(ctx, "s1", timeline.ChannelAudio, "/t1"); err != nil {
				t.Fatalf("SetTrack: %v", err)
			}
			if err := repo.SetTrack(ctx, "s1", timeline.ChannelAudio, "/t2"); err != nil {
				t.Fatalf("SetTrack replace: %v", err)
			}
			if err := repo.AddSegment(ctx, "s1", timeline.Segment{Channel: timeline.ChannelAudio, StartMs: 0, EndMs: 10, Path: "/b"}); !errors.Is(err, ErrInputShapeConflict) {
				t.Errorf("segment after track: expected ErrInputShapeConflict, got %v", err)
			}

			s, _ := repo.GetSession(ctx, "s1")
			if s.Tracks[timeline.ChannelAudio] != "/t2" {
				t.Errorf("audio track = %q, want /t2", s.Tracks[timeline.ChannelAudio])
			}
		})
	}
}

func TestRepository_claim_completion(t *testing.T) {
	for name, open := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			repo := open(t)
			ctx := context.Background()
			newSession(t, repo, "s1")
			repo.AddSegment(ctx, "s1", timeline.Segment{Channel: timeline.ChannelScreen, StartMs: 0, EndMs: 2000, Path: "/a"})
			repo.AddSegment(ctx, "s1", timeline.Segment{Channel: timeline.ChannelCamera, StartMs: 1000, EndMs: 4500, Path: "/b"})

			logs := map[timeline.Channel][]timeline.StateChange{
				timeline.ChannelAudio: {{TimestampMs: 0, Enabled: false}, {TimestampMs: 1000, Enabled: true}},
			}
			snap, err := repo.ClaimCompletion(ctx, "s1", Claim{StateLogs: logs})
			if err != nil {
				t.Fatalf("ClaimCompletion: %v", err)
			}
			if snap.Session.State != StateFinalizing {
				t.Errorf("state = %s, want finalizing", snap.Session.State)
			}
			if snap.Session.DurationMs != 4500 {
				t.Errorf("derived duration = %d, want 4500", snap.Session.DurationMs)
			}
			if len(snap.Segments) != 2 {
				t.Errorf("snapshot segments = %d, want 2", len(snap.Segments))
			}
			if got := snap.Session.StateLogs[timeline.ChannelAudio]; len(got) != 2 || !got[1].Enabled {
				t.Errorf("state log not persisted: %+v", got)
			}

			if _, err := repo.ClaimCompletion(ctx, "s1", Claim{DurationMs: 10}); !errors.Is(err, ErrSessionAlreadyFinalized) {
				t.Errorf("second claim: expected ErrSessionAlreadyFinalized, got %v", err)
			}
			if err := repo.AddSegment(ctx, "s1", timeline.Segment{Channel: timeline.ChannelScreen, StartMs: 5000, EndMs: 6000, Path: "/c"}); !errors.Is(err, ErrSessionNotActive) {
				t.Errorf("upload while finalizing: expected ErrSessionNotActive, got %v", err)
			}
		})
	}
}

func TestRepository_claim_indeterminate_duration_keeps_session_active(t *testing.T) {
	for name, open := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			repo := open(t)
			ctx := context.Background()
			newSession(t, repo, "s1")

			if _, err := repo.ClaimCompletion(ctx, "s1", Claim{}); !errors.Is(err, ErrIndeterminateDuration) {
				t.Fatalf("expected ErrIndeterminateDuration, got %v", err)
			}
			s, _ := repo.GetSession(ctx, "s1")
			if s.State != StateActive {
				t.Errorf("state = %s, want active", s.State)
			}

			snap, err := repo.ClaimCompletion(ctx, "s1", Claim{FallbackMs: 7000})
			if err != nil {
				t.Fatalf("claim with fallback: %v", err)
			}
			if snap.Session.DurationMs != 7000 {
				t.Errorf("duration = %d, want fallback 7000", snap.Session.DurationMs)
			}
		})
	}
}

func TestRepository_claim_is_exclusive(t *testing.T) {
	for name, open := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			repo := open(t)
			ctx := context.Background()
			newSession(t, repo, "s1")

			const callers = 8
			var (
				wg   sync.WaitGroup
				mu   sync.Mutex
				wins int
			)
			for i := 0; i < callers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := repo.ClaimCompletion(ctx, "s1", Claim{DurationMs: 1000})
					if err == nil {
						mu.Lock()
						wins++
						mu.Unlock()
					} else if !errors.Is(err, ErrSessionAlreadyFinalized) {
						t.Errorf("unexpected claim error: %v", err)
					}
				}()
			}
			wg.Wait()
			if wins != 1 {
				t.Errorf("claims won = %d, want 1", wins)
			}
		})
	}
}

func TestRepository_finish_with_recording(t *testing.T) {
	for name, open := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			repo := open(t)
			ctx := context.Background()
			newSession(t, repo, "s1")
			newSession(t, repo, "s2")
			repo.ClaimCompletion(ctx, "s1", Claim{DurationMs: 1000})
			repo.ClaimCompletion(ctx, "s2", Claim{DurationMs: 1000})

			artifacts := map[timeline.Channel]string{timeline.ChannelScreen: "/out/screen.webm"}
			rec := Recording{ID: "abc123abc123", SessionID: "s1", Artifacts: artifacts, DurationMs: 1000, CreatedAt: time.Now()}
			out := Outcome{State: StateCompleted, Artifacts: artifacts, RecordingID: rec.ID}
			if err := repo.FinishSession(ctx, "s1", out, &rec); err != nil {
				t.Fatalf("FinishSession: %v", err)
			}

			got, err := repo.GetRecording(ctx, rec.ID)
			if err != nil {
				t.Fatalf("GetRecording: %v", err)
			}
			if got.Artifacts[timeline.ChannelScreen] != "/out/screen.webm" || got.SessionID != "s1" {
				t.Errorf("recording = %+v", got)
			}
			s1, _ := repo.GetSession(ctx, "s1")
			if s1.State != StateCompleted || s1.RecordingID != rec.ID {
				t.Errorf("session s1 = %+v", s1)
			}

			// Same id from another session writes nothing.
			dup := rec
			dup.SessionID = "s2"
			err = repo.FinishSession(ctx, "s2", Outcome{State: StateCompleted, RecordingID: rec.ID}, &dup)
			if !errors.Is(err, ErrAlreadyFinalized) {
				t.Fatalf("duplicate recording: expected ErrAlreadyFinalized, got %v", err)
			}
			s2, _ := repo.GetSession(ctx, "s2")
			if s2.State != StateFinalizing {
				t.Errorf("s2 state = %s, want finalizing after rejected write", s2.State)
			}

			if err := repo.FinishSession(ctx, "s1", out, nil); !errors.Is(err, ErrSessionAlreadyFinalized) {
				t.Errorf("finish twice: expected ErrSessionAlreadyFinalized, got %v", err)
			}
		})
	}
}

func TestRepository_failed_session_keeps_failure(t *testing.T) {
	for name, open := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			repo := open(t)
			ctx := context.Background()
			newSession(t, repo, "s1")
			repo.ClaimCompletion(ctx, "s1", Claim{DurationMs: 1000})

			out := Outcome{
				State:     StateFailed,
				Artifacts: map[timeline.Channel]string{timeline.ChannelScreen: "/out/screen.webm"},
				Failure:   &Failure{Channel: timeline.ChannelAudio, Cause: timeline.CauseTimeout, Message: "deadline"},
			}
			if err := repo.FinishSession(ctx, "s1", out, nil); err != nil {
				t.Fatalf("FinishSession: %v", err)
			}
			s, _ := repo.GetSession(ctx, "s1")
			if s.State != StateFailed || s.Failure == nil {
				t.Fatalf("session = %+v", s)
			}
			if s.Failure.Channel != timeline.ChannelAudio || s.Failure.Cause != timeline.CauseTimeout {
				t.Errorf("failure = %+v", s.Failure)
			}
			if s.Artifacts[timeline.ChannelScreen] == "" {
				t.Error("screen artifact not retained")
			}
			if n, _ := repo.CountSessions(ctx, StateFailed); n != 1 {
				t.Errorf("failed sessions = %d, want 1", n)
			}
		})
	}
}

func TestRepository_delete_and_subtitled(t *testing.T) {
	for name, open := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			repo := open(t)
			ctx := context.Background()
			newSession(t, repo, "s1")
			repo.AddSegment(ctx, "s1", timeline.Segment{Channel: timeline.ChannelScreen, StartMs: 0, EndMs: 1000, Path: "/a"})
			repo.ClaimCompletion(ctx, "s1", Claim{})
			rec := Recording{ID: "r1", SessionID: "s1", DurationMs: 1000, CreatedAt: time.Now()}
			if err := repo.FinishSession(ctx, "s1", Outcome{State: StateCompleted, RecordingID: "r1"}, &rec); err != nil {
				t.Fatalf("FinishSession: %v", err)
			}

			if err := repo.SetSubtitled(ctx, "r1", "/out/subtitled.webm"); err != nil {
				t.Fatalf("SetSubtitled: %v", err)
			}
			got, _ := repo.GetRecording(ctx, "r1")
			if got.SubtitledPath != "/out/subtitled.webm" {
				t.Errorf("subtitled path = %q", got.SubtitledPath)
			}
			if err := repo.SetSubtitled(ctx, "nope", "/x"); !errors.Is(err, ErrRecordingNotFound) {
				t.Errorf("SetSubtitled unknown: expected ErrRecordingNotFound, got %v", err)
			}

			deleted, err := repo.DeleteRecording(ctx, "r1")
			if err != nil {
				t.Fatalf("DeleteRecording: %v", err)
			}
			if deleted.SessionID != "s1" {
				t.Errorf("deleted session = %s, want s1", deleted.SessionID)
			}
			if _, err := repo.GetRecording(ctx, "r1"); !errors.Is(err, ErrRecordingNotFound) {
				t.Errorf("after delete: expected ErrRecordingNotFound, got %v", err)
			}
			if _, err := repo.GetSession(ctx, "s1"); !errors.Is(err, ErrSessionNotFound) {
				t.Errorf("after delete: expected ErrSessionNotFound, got %v", err)
			}
			if _, err := repo.DeleteRecording(ctx, "r1"); !errors.Is(err, ErrRecordingNotFound) {
				t.Errorf("delete twice: expected ErrRecordingNotFound, got %v", err)
			}
		})
	}
}

func TestRepository_list_recordings_newest_first(t *testing.T) {
	for name, open := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			repo := open(t)
			ctx := context.Background()
			if recs, err := repo.ListRecordings(ctx); err != nil || len(recs) != 0 {
				t.Fatalf("empty list = %v, %v", recs, err)
			}

			base := time.UnixMilli(1_700_000_000_000).UTC()
			for i, id := range []SessionID{"s1", "s2", "s3"} {
				newSession(t, repo, id)
				repo.ClaimCompletion(ctx, id, Claim{DurationMs: 1000})
				rec := Recording{
					ID:         RecordingID("r" + string(id)),
					SessionID:  id,
					DurationMs: 1000,
					CreatedAt:  base.Add(time.Duration(i) * time.Minute),
				}
				if err := repo.FinishSession(ctx, id, Outcome{State: StateCompleted, RecordingID: rec.ID}, &rec); err != nil {
					t.Fatalf("FinishSession(%s): %v", id, err)
				}
			}

			recs, err := repo.ListRecordings(ctx)
			if err != nil {
				t.Fatalf("ListRecordings: %v", err)
			}
			var got []RecordingID
			for _, rec := range recs {
				got = append(got, rec.ID)
			}
			want := []RecordingID{"rs3", "rs2", "rs1"}
			if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] || got[2] != want[2] {
				t.Errorf("order = %v, want %v", got, want)
			}
			if recs[0].SessionID != "s3" || recs[0].CreatedAt.UnixMilli() != base.Add(2*time.Minute).UnixMilli() {
				t.Errorf("newest = %+v", recs[0])
			}
		})
	}
}

func TestRepository_abandon_session(t *testing.T) {
	for name, open := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			repo := open(t)
			ctx := context.Background()
			newSession(t, repo, "s1")
			repo.AddSegment(ctx, "s1", timeline.Segment{Channel: timeline.ChannelScreen, StartMs: 0, EndMs: 1000, Path: "/a"})
			repo.SetTrack(ctx, "s1", timeline.ChannelAudio, "/t")

			if err := repo.AbandonSession(ctx, "s1"); err != nil {
				t.Fatalf("AbandonSession: %v", err)
			}
			if _, err := repo.GetSession(ctx, "s1"); !errors.Is(err, ErrSessionNotFound) {
				t.Errorf("after abandon: expected ErrSessionNotFound, got %v", err)
			}
			if n, _ := repo.CountSessions(ctx, StateActive); n != 0 {
				t.Errorf("active sessions = %d, want 0", n)
			}
			if err := repo.AbandonSession(ctx, "s1"); !errors.Is(err, ErrSessionNotActive) {
				t.Errorf("abandon twice: expected ErrSessionNotActive, got %v", err)
			}

			newSession(t, repo, "s2")
			repo.ClaimCompletion(ctx, "s2", Claim{DurationMs: 1000})
			if err := repo.AbandonSession(ctx, "s2"); !errors.Is(err, ErrSessionNotActive) {
				t.Errorf("abandon finalizing: expected ErrSessionNotActive, got %v", err)
			}
			if s2, err := repo.GetSession(ctx, "s2"); err != nil || s2.State != StateFinalizing {
				t.Errorf("finalizing session touched: %+v, %v", s2, err)
			}
		})
	}
}

func TestOpenSQLite_reopen_keeps_data(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recordings.db")
	ctx := context.Background()

	repo, err := OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	newSession(t, repo, "s1")
	repo.Close()

	repo, err = OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer repo.Close()
	if _, err := repo.GetSession(ctx, "s1"); err != nil {
		t.Errorf("GetSession after reopen: %v", err)
	}
}

func TestRetryOnBusy(t *testing.T) {
	locked := errors.New("database is locked (5) (SQLITE_BUSY)")

	t.Run("retries until the lock clears", func(t *testing.T) {
		calls := 0
		err := retryOnBusy(context.Background(), func() error {
			calls++
			if calls < 3 {
				return locked
			}
			return nil
		})
		if err != nil || calls != 3 {
			t.Errorf("err = %v, calls = %d, want nil after 3", err, calls)
		}
	})

	t.Run("gives up after the last attempt", func(t *testing.T) {
		calls := 0
		err := retryOnBusy(context.Background(), func() error { calls++; return locked })
		if !errors.Is(err, locked) || calls != busyRetryAttempts {
			t.Errorf("err = %v, calls = %d, want locked after %d", err, calls, busyRetryAttempts)
		}
	})

	t.Run("other errors are not retried", func(t *testing.T) {
		calls := 0
		boom := errors.New("constraint failed")
		if err := retryOnBusy(context.Background(), func() error { calls++; return boom }); !errors.Is(err, boom) || calls != 1 {
			t.Errorf("err = %v, calls = %d", err, calls)
		}
	})

	t.Run("stops when the context ends", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if err := retryOnBusy(ctx, func() error { return locked }); !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	})
}
