package soundcord

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// Chat command names.
const (
	cmdPlay      = "play"
	cmdSounds    = "sounds"
	cmdSound     = "sound"
	cmdVolume    = "volume"
	cmdJoinSound = "joinsound"
	cmdStop      = "stop"
)

const (
	soundOptionName        = "name"
	soundOptionFile        = "file"
	soundOptionDescription = "description"
	volumeOptionValue      = "value"
)

var minVolumeOption = float64(0)

// applicationCommands returns the bot's full slash command set, sent to
// discord's bulk overwrite endpoint on startup.
func applicationCommands() []*discordgo.ApplicationCommand {
	return []*discordgo.ApplicationCommand{
		{
			Name:        cmdPlay,
			Description: "Play a sound in your current voice channel",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        soundOptionName,
					Description: "Name of the sound to play",
					Required:    true,
				},
			},
		},
		{
			Name:        cmdSounds,
			Description: "List this server's sounds",
		},
		{
			Name:        cmdSound,
			Description: "Manage this server's sounds",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "add",
					Description: "Upload a new sound",
					Options: []*discordgo.ApplicationCommandOption{
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        soundOptionName,
							Description: "Command name for the sound",
							Required:    true,
						},
						{
							Type:        discordgo.ApplicationCommandOptionAttachment,
							Name:        soundOptionFile,
							Description: "Audio file",
							Required:    true,
						},
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        soundOptionDescription,
							Description: "Short description",
						},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "remove",
					Description: "Delete a sound",
					Options: []*discordgo.ApplicationCommandOption{
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        soundOptionName,
							Description: "Command name of the sound to delete",
							Required:    true,
						},
					},
				},
			},
		},
		{
			Name:        cmdVolume,
			Description: "Show or set this server's sound volume",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionNumber,
					Name:        volumeOptionValue,
					Description: fmt.Sprintf("New volume, 0.0 to %.1f", MaxGuildSoundVolume),
					MinValue:    &minVolumeOption,
					MaxValue:    MaxGuildSoundVolume,
				},
			},
		},
		{
			Name:        cmdJoinSound,
			Description: "Manage the sound played when you join a voice channel",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "set",
					Description: "Set your join sound",
					Options: []*discordgo.ApplicationCommandOption{
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        soundOptionName,
							Description: "Name of the sound",
							Required:    true,
						},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "clear",
					Description: "Remove your join sound",
				},
			},
		},
		{
			Name:        cmdStop,
			Description: "Stop playback and leave the voice channel",
		},
	}
}

func (d *Discord) handlerInteractionCreate() func(
	s *discordgo.Session,
	i *discordgo.InteractionCreate,
) {
	return func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		if i.Type != discordgo.InteractionApplicationCommand {
			return
		}
		ctx := context.Background()
		data := i.ApplicationCommandData()
		user := getDiscordUser(i)
		userID := ""
		if user != nil {
			userID = user.ID
		}
		logger := d.logger.With(
			slog.Group(
				"interaction",
				"command", data.Name,
				columnGuildID, i.GuildID,
				columnUserID, userID,
			),
		)
		ctx = WithLogger(ctx, logger)

		if i.GuildID == "" {
			d.ephemeralReply(i, "This command only works in a server.")
			return
		}

		switch data.Name {
		case cmdPlay:
			d.handlePlay(ctx, i, data)
		case cmdSounds:
			d.handleSounds(ctx, i)
		case cmdSound:
			d.handleSoundManage(ctx, i, data)
		case cmdVolume:
			d.handleVolume(ctx, i, data)
		case cmdJoinSound:
			d.handleJoinSound(ctx, i, data)
		case cmdStop:
			d.handleStop(ctx, i)
		default:
			logger.WarnContext(ctx, "unknown command", "command", data.Name)
		}
	}
}

// commandOptions flattens an interaction's options by name, descending
// into the first subcommand if present.
func commandOptions(
	data discordgo.ApplicationCommandInteractionData,
) (string, map[string]*discordgo.ApplicationCommandInteractionDataOption) {
	opts := data.Options
	sub := ""
	if len(opts) == 1 &&
		opts[0].Type == discordgo.ApplicationCommandOptionSubCommand {
		sub = opts[0].Name
		opts = opts[0].Options
	}
	byName := make(
		map[string]*discordgo.ApplicationCommandInteractionDataOption,
		len(opts),
	)
	for _, opt := range opts {
		byName[opt.Name] = opt
	}
	return sub, byName
}

func (d *Discord) handlePlay(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	data discordgo.ApplicationCommandInteractionData,
) {
	_, logger := contextOrDefaultLogger(ctx, d.logger)
	member := memberFromInteraction(i)
	if member == nil {
		d.ephemeralReply(i, "This command only works in a server.")
		return
	}
	_, opts := commandOptions(data)
	nameOpt, ok := opts[soundOptionName]
	if !ok {
		d.ephemeralReply(i, "Which sound?")
		return
	}

	sound, err := d.bot.sounds.ByCommand(ctx, i.GuildID, nameOpt.StringValue())
	if errors.Is(err, ErrSoundNotFound) {
		d.ephemeralReply(i, fmt.Sprintf("No sound named `%s` here.", nameOpt.StringValue()))
		return
	}
	if err != nil {
		logger.ErrorContext(ctx, "error loading sound", tint.Err(err))
		d.ephemeralReply(i, d.errorMessage())
		return
	}

	channelID, err := d.findUserVoiceState(i.GuildID, member.UserID)
	if err != nil {
		d.ephemeralReply(i, "Join a voice channel first.")
		return
	}
	channel := d.resolveVoiceChannel(channelID)

	if err = d.session.InteractionRespond(
		i.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Flags: discordgo.MessageFlagsEphemeral,
			},
		},
	); err != nil {
		logger.ErrorContext(ctx, "error acknowledging interaction", tint.Err(err))
		return
	}

	result, err := d.bot.voice.PlaySound(ctx, sound, member, channel)
	content := d.playResultMessage(sound, result, err)
	if _, err = d.session.InteractionResponseEdit(
		i.Interaction,
		&discordgo.WebhookEdit{Content: &content},
	); err != nil {
		logger.ErrorContext(ctx, "error editing interaction response", tint.Err(err))
	}
}

// playResultMessage renders the playback outcome for the requesting user.
func (d *Discord) playResultMessage(
	sound *Sound,
	result PlayResult,
	err error,
) string {
	switch {
	case err != nil:
		return d.errorMessage()
	case result.Denied != "":
		return result.Denied
	case result.Superseded:
		return fmt.Sprintf("`%s` was cut off by another sound.", sound.Command)
	case result.Played:
		return fmt.Sprintf("Played `%s`!", sound.Command)
	default:
		return d.errorMessage()
	}
}

func (d *Discord) handleSounds(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	_, logger := contextOrDefaultLogger(ctx, d.logger)
	sounds, err := d.bot.sounds.ForGuild(ctx, i.GuildID)
	if err != nil {
		logger.ErrorContext(ctx, "error listing sounds", tint.Err(err))
		d.ephemeralReply(i, d.errorMessage())
		return
	}
	if len(sounds) == 0 {
		d.ephemeralReply(i, "No sounds here yet. Add one with `/sound add`.")
		return
	}

	var b strings.Builder
	b.WriteString("**Sounds:**\n")
	for _, sound := range sounds {
		line := fmt.Sprintf("- `%s`", sound.Command)
		if sound.Description != "" {
			line = fmt.Sprintf("%s %s", line, sound.Description)
		}
		line += "\n"
		if b.Len()+len(line) > discordMaxMessageLength {
			break
		}
		b.WriteString(line)
	}
	d.ephemeralReply(i, b.String())
}

func (d *Discord) handleSoundManage(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	data discordgo.ApplicationCommandInteractionData,
) {
	sub, opts := commandOptions(data)
	switch sub {
	case "add":
		d.handleSoundAdd(ctx, i, data, opts)
	case "remove":
		d.handleSoundRemove(ctx, i, opts)
	default:
		d.ephemeralReply(i, "Unknown subcommand.")
	}
}

func (d *Discord) handleSoundAdd(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	data discordgo.ApplicationCommandInteractionData,
	opts map[string]*discordgo.ApplicationCommandInteractionDataOption,
) {
	_, logger := contextOrDefaultLogger(ctx, d.logger)
	member := memberFromInteraction(i)
	perms := d.bot.guilds.Resolve(ctx, member)
	if perms.Banned || !perms.CanUploadSounds {
		d.ephemeralReply(i, "You can not upload sounds here.")
		return
	}

	nameOpt, nameOK := opts[soundOptionName]
	fileOpt, fileOK := opts[soundOptionFile]
	if !nameOK || !fileOK {
		d.ephemeralReply(i, "A name and an audio file are required.")
		return
	}
	description := ""
	if descOpt, ok := opts[soundOptionDescription]; ok {
		description = descOpt.StringValue()
	}

	var attachment *discordgo.MessageAttachment
	if data.Resolved != nil {
		attachment = data.Resolved.Attachments[fileOpt.Value.(string)]
	}
	if attachment == nil {
		d.ephemeralReply(i, "Couldn't read the attachment.")
		return
	}

	body, err := d.downloadAttachment(ctx, attachment.URL)
	if err != nil {
		logger.ErrorContext(ctx, "error downloading attachment", tint.Err(err))
		d.ephemeralReply(i, d.errorMessage())
		return
	}
	defer func() {
		_ = body.Close()
	}()

	sound, err := d.bot.sounds.Create(
		ctx,
		i.GuildID,
		member.UserID,
		nameOpt.StringValue(),
		description,
		attachment.Filename,
		body,
	)
	switch {
	case errors.Is(err, ErrSoundExists),
		errors.Is(err, ErrSoundTooLarge),
		errors.Is(err, ErrSoundBadExtension),
		errors.Is(err, ErrSoundBadCommand):
		d.ephemeralReply(i, capitalize(err.Error()))
	case err != nil:
		logger.ErrorContext(ctx, "error creating sound", tint.Err(err))
		d.ephemeralReply(i, d.errorMessage())
	default:
		d.ephemeralReply(i, fmt.Sprintf("Added `%s`!", sound.Command))
	}
}

func (d *Discord) handleSoundRemove(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	opts map[string]*discordgo.ApplicationCommandInteractionDataOption,
) {
	_, logger := contextOrDefaultLogger(ctx, d.logger)
	member := memberFromInteraction(i)
	perms := d.bot.guilds.Resolve(ctx, member)

	nameOpt, ok := opts[soundOptionName]
	if !ok {
		d.ephemeralReply(i, "Which sound?")
		return
	}
	sound, err := d.bot.sounds.ByCommand(ctx, i.GuildID, nameOpt.StringValue())
	if errors.Is(err, ErrSoundNotFound) {
		d.ephemeralReply(i, fmt.Sprintf("No sound named `%s` here.", nameOpt.StringValue()))
		return
	}
	if err != nil {
		logger.ErrorContext(ctx, "error loading sound", tint.Err(err))
		d.ephemeralReply(i, d.errorMessage())
		return
	}

	// Uploaders may delete their own sounds; otherwise manage permission
	// is required.
	if perms.Banned ||
		(!perms.CanManageGuild && sound.CreatorID != member.UserID) {
		d.ephemeralReply(i, "You can not remove this sound.")
		return
	}

	if err = d.bot.sounds.Remove(ctx, sound); err != nil {
		logger.ErrorContext(ctx, "error removing sound", tint.Err(err))
		d.ephemeralReply(i, d.errorMessage())
		return
	}
	d.ephemeralReply(i, fmt.Sprintf("Removed `%s`.", sound.Command))
}

func (d *Discord) handleVolume(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	data discordgo.ApplicationCommandInteractionData,
) {
	_, logger := contextOrDefaultLogger(ctx, d.logger)
	_, opts := commandOptions(data)

	valueOpt, ok := opts[volumeOptionValue]
	if !ok {
		volume := d.bot.guilds.SoundVolume(ctx, i.GuildID)
		d.ephemeralReply(i, fmt.Sprintf("Sound volume is **%.2f**.", volume))
		return
	}

	member := memberFromInteraction(i)
	perms := d.bot.guilds.Resolve(ctx, member)
	if perms.Banned || !perms.CanManageGuild {
		d.ephemeralReply(i, "You can not change the volume here.")
		return
	}

	volume := valueOpt.FloatValue()
	err := d.bot.guilds.SetSoundVolume(ctx, i.GuildID, volume)
	switch {
	case errors.Is(err, ErrVolumeOutOfRange):
		d.ephemeralReply(i, capitalize(err.Error()))
	case err != nil:
		logger.ErrorContext(ctx, "error setting volume", tint.Err(err))
		d.ephemeralReply(i, d.errorMessage())
	default:
		d.ephemeralReply(i, fmt.Sprintf("Sound volume set to **%.2f**.", volume))
	}
}

func (d *Discord) handleJoinSound(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	data discordgo.ApplicationCommandInteractionData,
) {
	_, logger := contextOrDefaultLogger(ctx, d.logger)
	member := memberFromInteraction(i)
	if member == nil {
		d.ephemeralReply(i, "This command only works in a server.")
		return
	}
	sub, opts := commandOptions(data)
	switch sub {
	case "set":
		nameOpt, ok := opts[soundOptionName]
		if !ok {
			d.ephemeralReply(i, "Which sound?")
			return
		}
		sound, err := d.bot.sounds.ByCommand(ctx, i.GuildID, nameOpt.StringValue())
		if errors.Is(err, ErrSoundNotFound) {
			d.ephemeralReply(
				i,
				fmt.Sprintf("No sound named `%s` here.", nameOpt.StringValue()),
			)
			return
		}
		if err != nil {
			logger.ErrorContext(ctx, "error loading sound", tint.Err(err))
			d.ephemeralReply(i, d.errorMessage())
			return
		}
		if err = d.bot.guilds.SetJoinSound(
			ctx,
			i.GuildID,
			member.UserID,
			sound.ID,
		); err != nil {
			logger.ErrorContext(ctx, "error setting join sound", tint.Err(err))
			d.ephemeralReply(i, d.errorMessage())
			return
		}
		d.ephemeralReply(
			i,
			fmt.Sprintf("`%s` will play when you join a voice channel.", sound.Command),
		)
	case "clear":
		if err := d.bot.guilds.ClearJoinSound(
			ctx,
			i.GuildID,
			member.UserID,
		); err != nil {
			logger.ErrorContext(ctx, "error clearing join sound", tint.Err(err))
			d.ephemeralReply(i, d.errorMessage())
			return
		}
		d.ephemeralReply(i, "Join sound cleared.")
	default:
		d.ephemeralReply(i, "Unknown subcommand.")
	}
}

func (d *Discord) handleStop(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	member := memberFromInteraction(i)
	perms := d.bot.guilds.Resolve(ctx, member)
	if perms.Banned || !perms.CanManageGuild {
		d.ephemeralReply(i, "You can not stop playback here.")
		return
	}
	d.bot.voice.Stop(i.GuildID)
	d.ephemeralReply(i, "Stopped.")
}

// ephemeralReply responds to an interaction with a message only the
// requesting user sees.
func (d *Discord) ephemeralReply(i *discordgo.InteractionCreate, content string) {
	if err := d.session.InteractionRespond(
		i.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Content: content,
				Flags:   discordgo.MessageFlagsEphemeral,
			},
		},
	); err != nil {
		d.logger.Error("error responding to interaction", tint.Err(err))
	}
}

// downloadAttachment fetches an interaction attachment's bytes.
func (d *Discord) downloadAttachment(
	ctx context.Context,
	url string,
) (io.ReadCloser, error) {
	client := d.config.httpClient
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	rv, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if rv.StatusCode != http.StatusOK {
		_ = rv.Body.Close()
		return nil, fmt.Errorf("unexpected status %s downloading attachment", rv.Status)
	}
	return rv.Body, nil
}
