package engine

import logx "simkit/pkg/logx"

func nopLogger() logx.Logger { return logx.Nop() }
