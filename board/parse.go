package board

import (
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// feedAction describes what the session must do after a consumer examined
// the read buffer: invoke the follow callback, push bytes to the helper's
// stdin, disconnect, or finish the operation with a typed result.
type feedAction struct {
	done          bool
	result        any
	progress      []string // follow callback invocations, in order
	stdin         []byte   // bytes to write to helper stdin (sentinel ack)
	disconnect    bool
	syntheticExit int // non-zero: report this exit code to the exit sink
}

// consumer interprets the streamed output of one operation kind. feed
// receives the session's read buffer and returns the bytes to retain plus
// the actions to take. A consumer is used by exactly one operation.
type consumer interface {
	feed(buf []byte) (remaining []byte, act feedAction)
}

// beforeToken returns the part of s preceding the first occurrence of tok,
// or s itself when the token is absent.
func beforeToken(s, tok string) string {
	if idx := strings.Index(s, tok); idx >= 0 {
		return s[:idx]
	}
	return s
}

// splitPayloadLines splits a cleaned payload into lines with CR stripped.
func splitPayloadLines(s string) []string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSuffix(line, "\r")
	}
	return lines
}

// streamConsumer handles command, friendlyCommand, runFile, and ctrlD.
// Output streams through the follow callback when one is set; otherwise it
// accumulates into the final response.
type streamConsumer struct {
	hasFollow bool
	response  strings.Builder
	log       *slog.Logger
}

func newStreamConsumer(hasFollow bool, log *slog.Logger) *streamConsumer {
	return &streamConsumer{hasFollow: hasFollow, log: log}
}

func (c *streamConsumer) feed(buf []byte) ([]byte, feedAction) {
	var act feedAction
	s := string(buf)

	// The helper blocks reading its stdin after interactive commands; the
	// sentinel asks us to push a newline to unblock it.
	if strings.Contains(s, tokSentinel) {
		s = strings.ReplaceAll(s, tokSentinel, "")
		act.stdin = []byte("\n")
	}

	if strings.Contains(s, tokErr) {
		cleaned := strings.TrimRight(stripTokens(s), "\r\n")
		c.response.WriteString(cleaned)
		act.done = true
		act.disconnect = true
		act.result = &CommandWithResponse{Response: c.response.String()}
		return nil, act
	}

	if strings.Contains(s, tokEOO) {
		residual := strings.TrimRight(stripTokens(beforeToken(s, tokEOO)), "\r\n")
		act.done = true
		if c.hasFollow {
			if residual != "" {
				act.progress = append(act.progress, residual)
			}
			act.result = &CommandResult{Ok: true}
		} else {
			c.response.WriteString(residual)
			act.result = &CommandWithResponse{Response: c.response.String()}
		}
		return nil, act
	}

	// No terminator yet. Flush everything except a partial-token tail so a
	// delimiter split across chunks is never delivered to the caller.
	hold := len(s)
	if hold > maxTokenLen {
		hold = maxTokenLen
	}
	flush := stripTokens(s[:len(s)-hold])
	if flush != "" {
		if c.hasFollow {
			act.progress = append(act.progress, flush)
		} else {
			c.response.WriteString(flush)
		}
	}
	return []byte(s[len(s)-hold:]), act
}

// tabCompConsumer handles retrieveTabComp. Same sentinel and error framing
// as streamConsumer, but the terminator distinguishes simple completions
// (single line, prefixed by the marker) from multi-line listings.
type tabCompConsumer struct{}

func (c *tabCompConsumer) feed(buf []byte) ([]byte, feedAction) {
	var act feedAction
	s := string(buf)

	if strings.Contains(s, tokSentinel) {
		s = strings.ReplaceAll(s, tokSentinel, "")
		act.stdin = []byte("\n")
	}

	if strings.Contains(s, tokErr) {
		act.done = true
		act.disconnect = true
		act.result = &TabComp{Completion: strings.TrimRight(stripTokens(s), "\r\n")}
		return nil, act
	}

	if !strings.Contains(s, tokEOO) {
		return []byte(s), act
	}

	cleaned := stripTokens(beforeToken(s, tokEOO))
	act.done = true
	if strings.HasPrefix(cleaned, tokSimpleAutoComp) {
		completion := strings.TrimRight(cleaned[len(tokSimpleAutoComp):], "\r\n")
		act.result = &TabComp{IsSimple: true, Completion: completion}
	} else {
		act.result = &TabComp{Completion: cleaned}
	}
	return nil, act
}

// listConsumer handles listContents and listContentsRecursive.
// Listing frames are "<decimal-size> <path>" lines; a trailing slash on the
// path marks a directory.
type listConsumer struct{}

func (c *listConsumer) feed(buf []byte) ([]byte, feedAction) {
	var act feedAction
	s := string(buf)
	if !strings.Contains(s, tokEOO) {
		return buf, act
	}

	payload := stripTokens(beforeToken(s, tokEOO))
	files := []FileRecord{}
	for _, line := range splitPayloadLines(payload) {
		trimmed := strings.TrimLeft(line, " ")
		idx := strings.Index(trimmed, " ")
		if idx <= 0 || idx == len(trimmed)-1 {
			continue
		}
		size, err := strconv.ParseUint(trimmed[:idx], 10, 64)
		if err != nil {
			continue
		}
		path := trimmed[idx+1:]
		files = append(files, FileRecord{
			Path:  path,
			IsDir: strings.HasSuffix(path, "/"),
			Size:  size,
		})
	}

	act.done = true
	act.result = &ListContents{Files: files}
	return nil, act
}

// progressFrame is the verbose-mode JSON object the helper emits per write.
type progressFrame struct {
	Written         int `json:"written"`
	Total           int `json:"total"`
	CurrentFilePos  int `json:"currentFilePos"`
	TotalFilesCount int `json:"totalFilesCount"`
}

// fsOpConsumer handles the filesystem-mutation kinds: uploadFiles,
// downloadFiles, deleteFiles, createFolders, deleteFolders,
// deleteFolderRecursive, deleteFileOrFolder, and syncRtc.
//
// An "EXIST" anywhere in the stream counts as success even next to !!ERR!!:
// the helper reports already-existing targets through the mkdir preamble.
type fsOpConsumer struct {
	verbose   bool
	hasFollow bool
	files     []string
	sawErr    bool
	sawExist  bool
	log       *slog.Logger
}

func newFsOpConsumer(verbose, hasFollow bool, files []string, log *slog.Logger) *fsOpConsumer {
	return &fsOpConsumer{verbose: verbose, hasFollow: hasFollow, files: files, log: log}
}

func (c *fsOpConsumer) note(s string) {
	if strings.Contains(s, tokErr) || strings.Contains(s, tokException) {
		c.sawErr = true
	}
	if strings.Contains(s, "EXIST") {
		c.sawExist = true
	}
}

func (c *fsOpConsumer) feed(buf []byte) ([]byte, feedAction) {
	var act feedAction
	s := string(buf)

	if strings.Contains(s, tokEOO) {
		c.note(s)
		act.done = true
		act.result = &Status{Ok: !c.sawErr || c.sawExist}
		return nil, act
	}

	c.note(s)

	if !c.verbose || !c.hasFollow {
		return buf, act
	}

	// Verbose mode: the buffer is expected to hold one JSON progress frame.
	if strings.Contains(s, tokErr) || strings.Contains(s, tokException) {
		// Error notices interleave with progress frames; swallow them here,
		// the latched flags decide the final status.
		return nil, act
	}

	var frame progressFrame
	if err := json.Unmarshal([]byte(strings.TrimSpace(s)), &frame); err != nil {
		c.log.Debug("malformed progress frame", "buffer", strings.TrimSpace(s), "error", err)
		return nil, act
	}

	if frame.CurrentFilePos >= 1 && frame.CurrentFilePos <= len(c.files) {
		act.progress = append(act.progress,
			"'"+c.files[frame.CurrentFilePos-1]+"' ["+strconv.Itoa(frame.CurrentFilePos)+"/"+strconv.Itoa(frame.TotalFilesCount)+"]")
	}
	return nil, act
}

// hashFrame is one calc-hashes result line.
type hashFrame struct {
	File string `json:"file"`
	Hash string `json:"hash"`
}

// hashConsumer handles calcHashes. Its result is the device-side hash map;
// the project sync driver chains it into an upload.
type hashConsumer struct {
	log *slog.Logger
}

func (c *hashConsumer) feed(buf []byte) ([]byte, feedAction) {
	var act feedAction
	s := string(buf)
	if !strings.Contains(s, tokEOO) {
		return buf, act
	}

	hashes := map[string]string{}
	payload := beforeToken(s, tokEOO)
	for _, line := range splitPayloadLines(payload) {
		line = strings.TrimSpace(line)
		if line == "" || strings.Contains(line, "error") || strings.Contains(line, tokErr) {
			continue
		}
		var frame hashFrame
		if err := json.Unmarshal([]byte(line), &frame); err != nil {
			c.log.Debug("skipping unparsable hash frame", "line", line, "error", err)
			continue
		}
		hashes[frame.File] = frame.Hash
	}

	act.done = true
	act.result = hashes
	return nil, act
}

// statFrame is the helper's get_item_stat reply.
type statFrame struct {
	CreationTime     int64  `json:"creation_time"`
	ModificationTime int64  `json:"modification_time"`
	Size             uint64 `json:"size"`
	IsDir            bool   `json:"is_dir"`
}

// statConsumer handles getItemStat for a single requested path.
type statConsumer struct {
	path string
	log  *slog.Logger
}

func (c *statConsumer) feed(buf []byte) ([]byte, feedAction) {
	var act feedAction
	s := string(buf)
	if !strings.Contains(s, tokEOO) {
		return buf, act
	}
	act.done = true

	if strings.Contains(s, tokErr) {
		act.result = &ItemStat{}
		return nil, act
	}

	payload := strings.TrimSpace(stripTokens(beforeToken(s, tokEOO)))
	var frame statFrame
	if err := json.Unmarshal([]byte(payload), &frame); err != nil {
		c.log.Debug("unparsable stat frame", "payload", payload, "error", err)
		act.result = &ItemStat{}
		return nil, act
	}

	created := time.Unix(frame.CreationTime, 0)
	modified := time.Unix(frame.ModificationTime, 0)
	act.result = &ItemStat{Stat: &FileRecord{
		Path:         c.path,
		IsDir:        frame.IsDir,
		Size:         frame.Size,
		LastModified: &modified,
		Created:      &created,
	}}
	return nil, act
}

// renameFrame is the helper's rename reply.
type renameFrame struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// renameConsumer handles renameItem.
type renameConsumer struct {
	log *slog.Logger
}

func (c *renameConsumer) feed(buf []byte) ([]byte, feedAction) {
	var act feedAction
	s := string(buf)
	if !strings.Contains(s, tokEOO) {
		return buf, act
	}
	act.done = true

	payload := strings.TrimSpace(stripTokens(beforeToken(s, tokEOO)))
	var frame renameFrame
	if err := json.Unmarshal([]byte(payload), &frame); err != nil {
		c.log.Debug("unparsable rename frame", "payload", payload, "error", err)
		act.result = &Status{}
		return nil, act
	}
	if !frame.Success {
		c.log.Warn("rename failed", "error", frame.Error)
	}
	act.result = &Status{Ok: frame.Success}
	return nil, act
}

// rtcConsumer handles getRtcTime.
type rtcConsumer struct{}

func (c *rtcConsumer) feed(buf []byte) ([]byte, feedAction) {
	var act feedAction
	s := string(buf)
	if !strings.Contains(s, tokEOO) {
		return buf, act
	}
	act.done = true

	if strings.Contains(s, tokErr) {
		act.result = &RtcTime{}
		return nil, act
	}

	payload := strings.TrimSpace(stripTokens(beforeToken(s, tokEOO)))
	act.result = &RtcTime{Time: ParseRtcTuple(payload)}
	return nil, act
}

// statusConsumer handles checkStatus. Any "Exception" in the stream is
// treated as catastrophic and forces a synthetic exit code 3; a device
// legitimately printing the word would misfire, but status only runs a bare
// print on the board.
type statusConsumer struct{}

func (c *statusConsumer) feed(buf []byte) ([]byte, feedAction) {
	var act feedAction
	s := string(buf)

	if strings.Contains(s, "Exception") {
		act.done = true
		act.result = &Status{}
		act.syntheticExit = 3
		return nil, act
	}

	if !strings.Contains(s, tokEOO) {
		return buf, act
	}

	act.done = true
	act.result = &Status{Ok: !strings.Contains(s, tokErr)}
	return nil, act
}

// softResetConsumer handles softReset.
type softResetConsumer struct {
	verbose bool
}

func (c *softResetConsumer) feed(buf []byte) ([]byte, feedAction) {
	var act feedAction
	s := string(buf)
	if !strings.Contains(s, tokEOO) {
		return buf, act
	}
	act.done = true

	if c.verbose {
		act.result = &CommandWithResponse{Response: strings.TrimRight(stripTokens(s), " \t\r\n")}
	} else {
		act.result = &CommandResult{Ok: !strings.Contains(s, tokErr)}
	}
	return nil, act
}

// scanConsumer handles the one-shot scanPorts helper run.
type scanConsumer struct{}

func (c *scanConsumer) feed(buf []byte) ([]byte, feedAction) {
	var act feedAction
	s := string(buf)
	if !strings.Contains(s, tokEOO) {
		return buf, act
	}

	ports := []string{}
	for _, line := range splitPayloadLines(stripTokens(beforeToken(s, tokEOO))) {
		line = strings.TrimSpace(line)
		if line != "" {
			ports = append(ports, line)
		}
	}

	act.done = true
	act.result = &PortsScan{Ports: ports}
	return nil, act
}

// resetConsumer is attached to hardReset. The helper exits instead of
// replying; completion comes from the supervisor's respawn hook, never from
// the stream.
type resetConsumer struct{}

func (c *resetConsumer) feed(buf []byte) ([]byte, feedAction) {
	return nil, feedAction{}
}
