package everything

import (
	"context"
	"encoding/json"
	"iter"
	"log/slog"

	mcp "github.com/MegaGrindStone/go-mcp-server"
)

// LogStreams implements mcp.LogHandler interface.
func (s *Server) LogStreams(ctx context.Context) iter.Seq[mcp.LogParams] {
	return func(yield func(mcp.LogParams) bool) {
		for {
			select {
			case <-ctx.Done():
				return
			case params := <-s.logs:
				if !yield(params) {
					return
				}
			}
		}
	}
}

func (s *Server) log(level mcp.LogLevel, msg string) {
	type logData struct {
		Message string `json:"message"`
	}
	dataBs, _ := json.Marshal(logData{Message: msg})

	// Sessions filter by their own level; nothing is filtered here.
	select {
	case s.logs <- mcp.LogParams{
		Level:  level,
		Logger: "everything",
		Data:   dataBs,
	}:
	default:
		s.logger.Debug("dropped log message", slog.String("msg", msg))
	}
}
