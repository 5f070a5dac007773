// Package protocol implements the subset of the Redis Serialization Protocol (RESP)
// spoken by redis-lite: simple strings, errors, integers, bulk strings and arrays.
//
// Frames are read with a streaming Reader and written with a buffered Writer.
// The stateless Encode and Decode helpers wrap both for callers that work on
// byte slices:
//
//	reader := protocol.NewReader(conn)
//	writer := protocol.NewWriter(conn)
//	for {
//		value, err := reader.ReadNext()
//		if err != nil {
//			break
//		}
//		cmd, err := protocol.ParseCommand(value)
//		...
//		writer.WriteValue(reply)
//		writer.Flush()
//	}
//
// Decoding fails closed: an unknown type byte, a malformed length or a missing
// CRLF terminator yields a *ProtocolError so the caller can drop the connection.
//
// The replication snapshot is the one frame that breaks the bulk string rule:
// it is sent as $<len>\r\n<bytes> without a trailing CRLF. Use
// Writer.WriteSnapshot and Reader.ReadSnapshot for it.
package protocol
