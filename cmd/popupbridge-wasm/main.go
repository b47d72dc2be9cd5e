//go:build js && wasm

// Command popupbridge-wasm exposes the bridge to page scripts as the global
// popupbridge object:
//
//	const popup = popupbridge.open(url, target, features)
//	popup.send(type, value); popup.onMessage(fn); popup.onClose(fn); popup.close()
//	popupbridge.opener.send(type, value); popupbridge.opener.onMessage(fn)
//	popupbridge.opener.closeSelf()
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"syscall/js"

	"popupbridge/pkg/bridge"
	"popupbridge/pkg/bus"
	"popupbridge/pkg/channel"
	"popupbridge/pkg/config"
	"popupbridge/pkg/envelope"
	"popupbridge/pkg/jswindow"
	"popupbridge/pkg/logger"
)

func main() {
	cfg := config.Default()
	appLogger, err := logger.New(cfg.Logging)
	if err != nil {
		appLogger = slog.Default()
	}
	log := appLogger.With("component", "cmd.wasm")

	ctx, err := bridge.New(jswindow.Current(), cfg.Bridge, appLogger)
	if err != nil {
		log.Error("Bridge failed to start", "error", err)
		return
	}

	api := js.Global().Get("Object").New()
	api.Set("open", js.FuncOf(func(this js.Value, args []js.Value) any {
		url, target, features := argString(args, 0), argString(args, 1), argString(args, 2)
		popup, err := ctx.OpenChannel(context.Background(), url, target, features)
		if err != nil {
			log.Warn("Open failed", "url", url, "error", err)
			return js.Null()
		}
		return popupObject(popup, log)
	}))
	api.Set("opener", openerObject(ctx.Opener(), log))
	js.Global().Set("popupbridge", api)

	log.Info("popupbridge ready", "token", ctx.Token().Short())
	select {}
}

func popupObject(popup *bridge.Popup, log *slog.Logger) js.Value {
	obj := handleObject(popup, log)
	obj.Set("url", popup.URL())
	obj.Set("onClose", js.FuncOf(func(this js.Value, args []js.Value) any {
		if len(args) == 0 {
			return nil
		}
		fn := args[0]
		if err := popup.AddCloseHandler(bridge.CloseHandlerFunc(func(note envelope.CloseNotification) {
			if note.Err != nil {
				fn.Invoke(note.Type, note.Err.Error())
				return
			}
			fn.Invoke(note.Type)
		})); err != nil {
			log.Warn("Close handler rejected", "error", err)
		}
		return nil
	}))
	obj.Set("close", js.FuncOf(func(this js.Value, args []js.Value) any {
		popup.Close()
		return nil
	}))
	return obj
}

func openerObject(facade *bridge.OpenerFacade, log *slog.Logger) js.Value {
	obj := handleObject(facade, log)
	obj.Set("available", js.FuncOf(func(this js.Value, args []js.Value) any {
		return facade.Available()
	}))
	obj.Set("closeSelf", js.FuncOf(func(this js.Value, args []js.Value) any {
		return errorValue(facade.CloseSelf())
	}))
	return obj
}

// handleObject builds the send/onMessage pair shared by both sides.
func handleObject(h channel.Handle, log *slog.Logger) js.Value {
	obj := js.Global().Get("Object").New()
	obj.Set("send", js.FuncOf(func(this js.Value, args []js.Value) any {
		var value any
		if len(args) > 1 {
			value = fromJS(args[1])
		}
		return errorValue(h.SendMessage(envelope.NewMessage(argString(args, 0), value)))
	}))
	obj.Set("onMessage", js.FuncOf(func(this js.Value, args []js.Value) any {
		if len(args) == 0 {
			return nil
		}
		fn := args[0]
		err := h.AddMessageHandler(bus.HandlerFunc(func(msg envelope.Message) error {
			fn.Invoke(msg.Type.String(), toJS(msg.Value))
			return nil
		}))
		if err != nil {
			log.Warn("Message handler rejected", "side", channel.Name(h), "error", err)
		}
		return errorValue(err)
	}))
	return obj
}

func argString(args []js.Value, i int) string {
	if i >= len(args) || args[i].Type() != js.TypeString {
		return ""
	}
	return args[i].String()
}

func errorValue(err error) any {
	if err == nil {
		return nil
	}
	return err.Error()
}

// fromJS and toJS move values through JSON so any structured-cloneable
// plain value survives the trip.
func fromJS(value js.Value) any {
	if value.IsUndefined() {
		return nil
	}
	text := js.Global().Get("JSON").Call("stringify", value)
	if text.Type() != js.TypeString {
		return nil
	}
	var out any
	if err := json.Unmarshal([]byte(text.String()), &out); err != nil {
		return nil
	}
	return out
}

func toJS(value any) js.Value {
	data, err := json.Marshal(value)
	if err != nil {
		return js.Null()
	}
	return js.Global().Get("JSON").Call("parse", string(data))
}
