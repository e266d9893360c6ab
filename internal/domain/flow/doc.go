// Package flow contains the domain model of the bot-creation funnel.
//
// A BotFlow is one user's one attempt to create one bot. The flow walks
// five stages:
//
//  1. started               - flow row created, intro shown
//  2. token accepted        - a valid, unused BotFather token was submitted
//  3. description submitted - the natural-language spec was received
//  4. created               - handler generated, stored and registered
//  5. activated             - the creator messaged the new bot at least once
//
// Two invariants are central and are enforced both here and by the
// persistence layer:
//
//   - current_stage never decreases while final_status is null
//     (the Stage Guardrail); failed/cancelled may carry any stage.
//   - bot_token_id is unique across all flows once assigned
//     (backed by a partial unique index).
//
// The package also defines ConversationState, the short-lived in-memory
// companion of a flow that tracks where the user is in the dialogue and
// holds the submitted token between stages 2 and 3.
package flow
