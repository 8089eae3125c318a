package taskproto

import (
	"errors"
	"fmt"
	"net"
	"sync"
)

// TestingPair creates a master and worker Conn joined over
// a loopback TCP connection.
// It is meant for tests.
func TestingPair(password string) (master, worker Conn, err error) {
	server, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, nil, err
	}
	accepted := make(chan net.Conn, 1)
	go func() {
		c, _ := server.Accept()
		accepted <- c
	}()
	workerRaw, err := net.Dial("tcp", server.Addr().String())
	if err != nil {
		server.Close()
		return nil, nil, err
	}
	masterRaw := <-accepted
	server.Close()
	if masterRaw == nil {
		workerRaw.Close()
		return nil, nil, errors.New("failed to accept connection")
	}

	var masterErr, workerErr error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		master, masterErr = NewMasterConnAuth(masterRaw, password)
	}()
	go func() {
		defer wg.Done()
		worker, workerErr = NewWorkerConnAuth(workerRaw, password)
	}()
	wg.Wait()

	if masterErr != nil || workerErr != nil {
		if master != nil {
			master.Close()
		}
		if worker != nil {
			worker.Close()
		}
		if masterErr != nil {
			return nil, nil, fmt.Errorf("master creation error: %w", masterErr)
		}
		return nil, nil, fmt.Errorf("worker creation error: %w", workerErr)
	}
	return master, worker, nil
}
