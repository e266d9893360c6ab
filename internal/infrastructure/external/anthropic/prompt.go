package anthropic

import "fmt"

// PreambleSentinel separates the injected state helpers from the
// generated code. Everything above it is factory-owned; tooling that
// re-reads stored artifacts can strip the preamble by this line.
const PreambleSentinel = "// === End of State Helpers ==="

// StatePreamble builds the helper block prepended to every generated
// handler before it is stored. It bakes the handler name in as BOT_ID
// and bridges the save_state/load_state calls the model is told to use
// onto the host bindings the runtime injects.
func StatePreamble(handlerName string) string {
	return fmt.Sprintf(`"use strict";

var BOT_ID = %q;

function save_state(user_id, key, value) {
    __host_save_state(user_id, key, JSON.stringify(value === undefined ? null : value));
}

function load_state(user_id, key, def) {
    var raw = __host_load_state(user_id, key);
    if (raw === null || raw === undefined || raw === "") {
        return def === undefined ? null : def;
    }
    try {
        return JSON.parse(raw);
    } catch (e) {
        return def === undefined ? null : def;
    }
}

`+PreambleSentinel+"\n", handlerName)
}

// systemPrompt tells the model the handler contract. The contract must
// match what the runtime probes for: get_widget, handle_message,
// handle_callback, the context object and the reply shape.
const systemPrompt = `You write single-file JavaScript (ES5.1) handlers for Telegram bots.

Output ONLY JavaScript source. No markdown fences, no prose before or after.

The file may define any of these entry points (define at least handle_message):

function get_widget()
    Returns {title, value, label, status, icon} describing the bot for a
    dashboard card. status is one of "success", "warning", "danger", "info".

function handle_message(text, user_id, context)
    Handles one text message. Return one of:
      - null or undefined (handled silently, no reply)
      - a string (sent as a plain text reply)
      - {text: string, parse_mode: "HTML", reply_markup: [[{text, callback_data}]]}

function handle_callback(data, user_id)
    Handles an inline keyboard button press. Same return shapes.

The context argument is an object with read-only fields:
    bot_token, chat_id, chat_type, chat_title, message_id, user_id,
    username, first_name, last_name, is_group, is_private, sender_is_admin
and callable capabilities (group moderation, no return value unless noted):
    context.reply(text)
    context.delete_message(message_id)
    context.ban_user(user_id)
    context.kick_user(user_id)
    context.mute_user(user_id, seconds)
    context.unmute_user(user_id)
    context.is_admin(user_id)        // returns true/false

Persistence: call save_state(user_id, key, value) and
load_state(user_id, key, default) to keep JSON-serialisable state between
messages. Do not define these functions yourself.

Hard rules:
  - ES5.1 only: no import/export, no require, no async/await, no Promise.
  - No eval, no Function constructor, no access to process, globalThis,
    or any __host_* function directly.
  - No timers, scheduling or background work; react to updates only.
  - Reply to /start in Hebrew with a short intro listing the bot's commands.
  - Reply helpfully in Hebrew to input you do not recognise.
  - Keep replies under 4000 characters.`

// userPrompt frames one bot description as a generation request.
func userPrompt(description string) string {
	return fmt.Sprintf("Write the complete handler for the following Telegram bot:\n\n%s", description)
}
