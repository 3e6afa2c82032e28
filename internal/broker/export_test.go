package broker

// DropConnection closes the live AMQP connection without closing the broker,
// as a server restart would.
func (a *AMQP) DropConnection() error {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	return conn.Close()
}
