package transport

import "bytes"

// fakeSocket scripts socket results.
//
// Writes accept at most writeChunk bytes (0 = everything). With writeAsync
// every write returns ErrIOPending and is finished by completeWrite.
// Reads hand out the queued chunks in order; with nothing queued a read
// goes pending until deliver or failRead.
type fakeSocket struct {
	writeChunk int
	writeAsync bool
	writeErr   error
	writeZero  bool
	written    bytes.Buffer
	writes     int

	pendingWrite    func(int, error)
	pendingWriteLen int

	reads       [][]byte
	readErr     error
	pendingRead func(int, error)
	pendingBuf  []byte
}

func (s *fakeSocket) Write(buf []byte, done func(int, error)) (int, error) {
	s.writes++
	if s.writeErr != nil {
		return 0, s.writeErr
	}
	if s.writeZero {
		return 0, nil
	}
	n := len(buf)
	if s.writeChunk > 0 && n > s.writeChunk {
		n = s.writeChunk
	}
	if s.writeAsync {
		s.written.Write(buf[:n])
		s.pendingWrite = done
		s.pendingWriteLen = n
		return 0, ErrIOPending
	}
	s.written.Write(buf[:n])
	return n, nil
}

func (s *fakeSocket) completeWrite(err error) {
	done := s.pendingWrite
	s.pendingWrite = nil
	if err != nil {
		done(0, err)
		return
	}
	done(s.pendingWriteLen, nil)
}

func (s *fakeSocket) Read(buf []byte, done func(int, error)) (int, error) {
	if len(s.reads) > 0 {
		chunk := s.reads[0]
		n := copy(buf, chunk)
		if n < len(chunk) {
			s.reads[0] = chunk[n:]
		} else {
			s.reads = s.reads[1:]
		}
		return n, nil
	}
	if s.readErr != nil {
		return 0, s.readErr
	}
	s.pendingRead = done
	s.pendingBuf = buf
	return 0, ErrIOPending
}

// deliver completes a pending read with data, which must fit the buffer.
func (s *fakeSocket) deliver(data []byte) {
	done := s.pendingRead
	s.pendingRead = nil
	n := copy(s.pendingBuf, data)
	done(n, nil)
}

func (s *fakeSocket) failRead(err error) {
	done := s.pendingRead
	s.pendingRead = nil
	done(0, err)
}
