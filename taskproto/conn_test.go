package taskproto

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConnRoundTrip(t *testing.T) {
	master, worker, err := TestingPair("")
	require.NoError(t, err)
	defer master.Close()
	defer worker.Close()

	req, err := NewTaskRequest("worker1")
	require.NoError(t, err)
	require.NoError(t, worker.Send(req))
	got, err := master.Receive()
	require.NoError(t, err)
	require.True(t, req.Equal(got))

	task, err := NewTask("t1", []int{2, 3, 5, 7}, 1, 3)
	require.NoError(t, err)
	taskMsg, err := NewTaskMessage(task)
	require.NoError(t, err)
	require.NoError(t, master.Send(taskMsg))
	got, err = worker.Receive()
	require.NoError(t, err)
	gotTask, ok := got.Task()
	require.True(t, ok)
	require.Equal(t, "t1", gotTask.ID())
	require.Equal(t, []int{3, 5}, gotTask.Payload())
	require.Equal(t, 1, gotTask.Start())

	res, err := NewResultMessage(TaskResult{TaskID: "t1", Positive: false})
	require.NoError(t, err)
	require.NoError(t, worker.Send(res))
	got, err = master.Receive()
	require.NoError(t, err)
	r, ok := got.Result()
	require.True(t, ok)
	require.Equal(t, "t1", r.TaskID)
	require.False(t, r.Positive)

	require.NoError(t, master.Send(NewNoTasks()))
	got, err = worker.Receive()
	require.NoError(t, err)
	require.Equal(t, NoTasks, got.Type())
}

func TestConnConcurrentSend(t *testing.T) {
	master, worker, err := TestingPair("")
	require.NoError(t, err)
	defer master.Close()
	defer worker.Close()

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < n; j++ {
				hb, _ := NewHeartbeat("w")
				if err := worker.Send(hb); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	for i := 0; i < 2*n; i++ {
		m, err := master.Receive()
		require.NoError(t, err)
		require.Equal(t, Heartbeat, m.Type())
	}
	wg.Wait()
}

func TestConnCloseUnblocksReceive(t *testing.T) {
	master, worker, err := TestingPair("")
	require.NoError(t, err)
	defer master.Close()

	errChan := make(chan error, 1)
	go func() {
		_, err := worker.Receive()
		errChan <- err
	}()
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, worker.Close())

	select {
	case err := <-errChan:
		require.ErrorIs(t, err, ErrConnectionClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("receive did not return after close")
	}
	hb, err := NewHeartbeat("w")
	require.NoError(t, err)
	require.ErrorIs(t, worker.Send(hb), ErrConnectionClosed)
}

func TestConnAuth(t *testing.T) {
	master, worker, err := TestingPair("secret")
	require.NoError(t, err)
	defer master.Close()
	defer worker.Close()

	hb, err := NewHeartbeat("w")
	require.NoError(t, err)
	require.NoError(t, worker.Send(hb))
	_, err = master.Receive()
	require.NoError(t, err)
}

func TestConnBadAuth(t *testing.T) {
	server, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer server.Close()

	masterErr := make(chan error, 1)
	go func() {
		c, err := server.Accept()
		if err != nil {
			masterErr <- err
			return
		}
		_, err = NewMasterConnAuth(c, "right")
		masterErr <- err
	}()

	c, err := net.Dial("tcp", server.Addr().String())
	require.NoError(t, err)
	_, err = NewWorkerConnAuth(c, "wrong")
	require.ErrorIs(t, err, ErrBadAuth)
	require.ErrorIs(t, <-masterErr, ErrBadAuth)
}
