// Package logging provides structured logging for devgate hook processes.
//
// # Overview
//
// The package wraps Zap with:
//   - Output to stderr and an optional append-only file (stdout carries hook decisions)
//   - Automatic context field injection (session.id, hook, branch)
//   - Secret redaction by field name and by value pattern
//
// # Usage
//
//	cfg, err := logging.FromAppConfig(appCfg.Logging)
//	if err != nil {
//	    return err
//	}
//	logger, err := logging.NewLogger(cfg)
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithSessionID(ctx, sessionID)
//	ctx = logging.WithHook(ctx, "stop")
//	logger.Info(ctx, "stop decision", zap.String("decision", "block"))
//
// # Testing
//
// Use TestLogger for assertions:
//
//	tl := logging.NewTestLogger()
//	machine := workflow.NewMachine(..., workflow.WithLogger(tl.Logger))
//	tl.AssertLogged(t, zapcore.WarnLevel, "retry ceiling reached")
package logging
