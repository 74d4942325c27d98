package hses

import (
	"strings"

	"motolink/logging"
)

// ChunkSize is the fixed payload size of one file-transfer block.
const ChunkSize = 400

// fileRequest builds a file-control division request. The file
// sub-protocol uses command/instance/attribute zero; the service byte
// selects the exchange.
func fileRequest(service byte, data []byte) *Request {
	return &Request{
		Division: DivisionFileControl,
		Ack:      AckRequest,
		Service:  service,
		Data:     data,
	}
}

// ackRequest builds the acknowledgment frame of a multi-block exchange:
// the same service with the ack flag set and the block number to echo.
func ackRequest(service byte, blockNo uint32, data []byte) *Request {
	return &Request{
		Division: DivisionFileControl,
		Ack:      AckNotRequest,
		BlockNo:  blockNo,
		Service:  service,
		Data:     data,
	}
}

// fileExchange transmits within an open file-control session and maps
// failure to the uniform error model. The caller holds the session lock
// via beginSession.
func (c *Client) fileExchange(op string, req *Request) (*Answer, error) {
	ans := c.t.transmitLocked(req.Marshal(), true)
	c.setAddedStatus(ans.AddedStatus)
	if ans.Status != StatusSuccess {
		return nil, &Error{Op: op, Status: ans.Status, AddedStatus: ans.AddedStatus}
	}
	return ans, nil
}

// SendFile transfers content to the controller's file store under the
// given name. The whole multi-packet exchange runs inside one
// file-control session so no other command can interleave with it.
func (c *Client) SendFile(name string, content []byte) error {
	if len(content) == 0 {
		return errInvalidArgument("SendFile", "empty file content")
	}

	if err := c.t.beginSession(c.t.filePort); err != nil {
		c.setAddedStatus(uint16(StatusConnection))
		return &Error{Op: "SendFile", Status: StatusConnection, AddedStatus: uint16(StatusConnection)}
	}
	defer c.t.endSession()

	logging.DebugLog("hses", "SendFile %q: %d bytes, %d blocks", name, len(content),
		(len(content)+ChunkSize-1)/ChunkSize)

	// The initiating request carries the bare filename; each following
	// block is an acknowledgment-type frame carrying the next chunk.
	ans, err := c.fileExchange("SendFile", fileRequest(SvcFileSend, []byte(name)))
	if err != nil {
		return err
	}

	blockNo := uint32(0)
	for ans.BlockNo&BlockFinal == 0 {
		blockNo++
		var chunk []byte
		final := int(blockNo)*ChunkSize >= len(content)
		if final {
			// Last chunk. An exact multiple of ChunkSize still sends a
			// full final block, never an empty one.
			chunk = content[(blockNo-1)*ChunkSize:]
			blockNo |= BlockFinal
		} else {
			chunk = content[(blockNo-1)*ChunkSize : blockNo*ChunkSize]
		}
		ans, err = c.fileExchange("SendFile", ackRequest(SvcFileSend, blockNo, chunk))
		if err != nil {
			return err
		}
		if final {
			// Nothing left to send. The controller is supposed to echo
			// the final bit back; stop even if it does not.
			break
		}
	}
	return nil
}

// RecvFile retrieves a file from the controller's file store and returns
// its content. A failed transfer leaves no partial result.
func (c *Client) RecvFile(name string) ([]byte, error) {
	if err := c.t.beginSession(c.t.filePort); err != nil {
		c.setAddedStatus(uint16(StatusConnection))
		return nil, &Error{Op: "RecvFile", Status: StatusConnection, AddedStatus: uint16(StatusConnection)}
	}
	defer c.t.endSession()

	content, err := c.recvBlocks("RecvFile", SvcFileRecv, []byte(name))
	if err != nil {
		return nil, err
	}
	logging.DebugLog("hses", "RecvFile %q: %d bytes", name, len(content))
	return content, nil
}

// ListFiles retrieves the names of stored files matching the extension
// pattern, e.g. "*.JBI" or "*.DAT".
func (c *Client) ListFiles(extension string) ([]string, error) {
	if err := c.t.beginSession(c.t.filePort); err != nil {
		c.setAddedStatus(uint16(StatusConnection))
		return nil, &Error{Op: "ListFiles", Status: StatusConnection, AddedStatus: uint16(StatusConnection)}
	}
	defer c.t.endSession()

	raw, err := c.recvBlocks("ListFiles", SvcFileList, []byte(extension))
	if err != nil {
		return nil, err
	}

	var names []string
	for _, line := range strings.Split(string(raw), "\n") {
		if line = strings.TrimRight(line, "\r"); line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

// DeleteFile removes a file from the controller's file store. A single
// request/answer exchange, no chunking.
func (c *Client) DeleteFile(name string) error {
	if err := c.t.beginSession(c.t.filePort); err != nil {
		c.setAddedStatus(uint16(StatusConnection))
		return &Error{Op: "DeleteFile", Status: StatusConnection, AddedStatus: uint16(StatusConnection)}
	}
	defer c.t.endSession()

	_, err := c.fileExchange("DeleteFile", fileRequest(SvcFileDelete, []byte(name)))
	return err
}

// recvBlocks drives the accumulate-and-acknowledge receive loop shared
// by RecvFile and ListFiles: append each answer's payload, echo its
// block number in a not-request frame, and stop once the final-chunk bit
// arrives, acknowledging it with a send-only frame.
func (c *Client) recvBlocks(op string, service byte, initial []byte) ([]byte, error) {
	ans, err := c.fileExchange(op, fileRequest(service, initial))
	if err != nil {
		return nil, err
	}

	var content []byte
	for {
		content = append(content, ans.Data...)
		ack := ackRequest(service, ans.BlockNo, nil)
		if ans.BlockNo&BlockFinal != 0 {
			// Last block: final ack is send-only, the controller does not
			// answer it.
			c.t.transmitLocked(ack.Marshal(), false)
			return content, nil
		}
		ans, err = c.fileExchange(op, ack)
		if err != nil {
			return nil, err
		}
	}
}
