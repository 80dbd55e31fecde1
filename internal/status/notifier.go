package status

import (
	"encoding/json"
	"log"
	"os"
	"time"

	tsync "github.com/tablekit/tablesync/internal/sync"
)

// Notifier translates synchronizer progress events into status
// broadcasts. Install it on a Synchronizer with SetNotifier.
type Notifier struct {
	server *Server
	logger *log.Logger
}

// NewNotifier creates a progress listener connected to a status server.
func NewNotifier(server *Server, logger *log.Logger) *Notifier {
	if logger == nil {
		logger = log.New(os.Stderr, "[status] ", log.LstdFlags)
	}
	return &Notifier{server: server, logger: logger}
}

// TableStarted broadcasts the beginning of a table's sync pass.
func (n *Notifier) TableStarted(tableID string) {
	n.send(MessageTypeTableStarted, TableStartedData{TableID: tableID})
}

// TableFinished broadcasts one table's sync results.
func (n *Notifier) TableFinished(result tsync.TableResult) {
	n.send(MessageTypeTableFinished, tableData(result))
}

// RunFinished broadcasts the aggregate result of a completed run.
func (n *Notifier) RunFinished(result *tsync.RunResult) {
	data := RunFinishedData{
		Started:    result.Started,
		Status:     result.Status.String(),
		AppOutcome: result.AppOutcome.String(),
	}
	for _, tr := range result.Tables {
		data.Tables = append(data.Tables, tableData(tr))
	}
	n.send(MessageTypeRunFinished, data)
}

func tableData(tr tsync.TableResult) TableFinishedData {
	return TableFinishedData{
		TableID:       tr.TableID,
		SchemaOutcome: tr.SchemaOutcome.String(),
		RowOutcome:    tr.RowOutcome.String(),
		PulledRows:    tr.PulledRows,
		PushedRows:    tr.PushedRows,
		Conflicts:     tr.Conflicts,
		PendingRows:   tr.PendingRows,
	}
}

func (n *Notifier) send(typ MessageType, data interface{}) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		n.logger.Printf("Failed to marshal %s data: %v", typ, err)
		return
	}
	n.server.Broadcast(Message{
		Type:      typ,
		Timestamp: time.Now(),
		Data:      dataJSON,
	})
}
