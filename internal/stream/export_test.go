package stream

// Handle feeds data to the stream as if it arrived from the connection.
func (s *ReplyStream) Handle(data []byte) {
	s.handle(data)
}
